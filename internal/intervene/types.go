// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package intervene drives AI sessions to diagnose and hot-fix execution
// errors: a read-only diagnosis session first, then a bounded write session
// whose result is validated by the supervisor itself before it is accepted.
package intervene

import (
	"github.com/pivkit/piv/internal/manifest"
)

// Location is where the diagnosis places the bug.
type Location string

const (
	// LocationFramework means the bug lives in the canonical dev-kit and a
	// validated fix propagates to every registered project.
	LocationFramework Location = "framework_bug"
	// LocationProject means the bug is local to the project source tree.
	LocationProject Location = "project_bug"
	// LocationHuman means only the operator can fix it (credentials, auth,
	// external service configuration).
	LocationHuman Location = "human_required"
	// LocationAmbiguous means the diagnosis could not decide; the supervisor
	// tries the less risky project-local path first.
	LocationAmbiguous Location = "ambiguous"
)

// Diagnosis is the structured outcome of the read-only session, after the
// supervisor re-checked the location classification.
type Diagnosis struct {
	BugLocation    Location
	RootCause      string
	TargetFile     string
	LineStart      int
	LineEnd        int
	Recommendation string
	EstimatedLines int
	Confidence     string
	CostUSD        float64
	SessionID      string
}

// HotFixResult is the outcome of the write session plus validation.
type HotFixResult struct {
	Success          bool
	FileModified     string
	LinesChanged     int
	ValidationPassed bool
	ValidationOutput string
	CostUSD          float64
	RevertPerformed  bool
}

// Result is the terminal outcome of one intervention.
type Result struct {
	// Success means a fix was applied and validated.
	Success bool
	// Escalated means the human has to act; Detail carries the message body.
	Escalated bool
	// Resolution is what the pending failure entry should become.
	Resolution manifest.Resolution
	// FrameworkFix marks a validated fix inside the framework directory;
	// the caller drives propagation.
	FrameworkFix bool
	// ChangedRelPaths are the fixed files relative to the framework
	// directory, for propagation.
	ChangedRelPaths []string

	Diagnosis *Diagnosis
	HotFix    *HotFixResult

	RecalledMemoryIDs []string
	StoredMemoryID    string
	Detail            string
}

// escalated builds a terminal escalation result.
func escalated(d *Diagnosis, detail string, recalled []string) *Result {
	return &Result{
		Escalated:         true,
		Resolution:        manifest.ResolutionEscalated,
		Diagnosis:         d,
		RecalledMemoryIDs: recalled,
		Detail:            detail,
	}
}
