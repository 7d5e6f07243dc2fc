// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package intervene

import (
	"fmt"
	"strings"

	"github.com/pivkit/piv/internal/manifest"
	"github.com/pivkit/piv/internal/memory"
)

// priorFixesBlock renders recalled fix records as non-authoritative context.
// The "prior context, may be outdated" phrasing is deliberate: past fixes are
// advisory and must never be auto-applied.
func priorFixesBlock(records []memory.FixRecord) string {
	if len(records) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Prior fixes (prior context, may be outdated — do not auto-apply)\n\n")
	for i, rec := range records {
		fmt.Fprintf(&b, "### Prior fix %d\n%s\n\n", i+1, strings.TrimSpace(rec.Content))
	}
	return b.String()
}

// diagnosisPrompt asks the read-only session to trace the most recent pending
// failure to a specific file and line and return a structured verdict.
func diagnosisPrompt(failure manifest.FailureEntry, frameworkDir, priorFixes string) string {
	var b strings.Builder

	if priorFixes != "" {
		b.WriteString(priorFixes)
	}

	fmt.Fprintf(&b, `You are diagnosing a stalled autonomous build. Read the project state file
at .agents/manifest.yaml and any progress or validation artifacts it
references. The most recent pending failure is:

- command: %s
- phase: %d
- category: %s
- details: %s

Trace this failure to a specific file and line. The canonical framework
directory on this machine is %s; a bug in a file under that directory is a
framework bug, a bug in the project source tree is a project bug. If the root
cause involves credentials, auth, environment variables, or external service
configuration, classify it as human_required.

Do not modify any file. Respond with a single JSON object:

{
  "bug_location": "framework_bug" | "project_bug" | "human_required" | "ambiguous",
  "root_cause": "<one or two sentences>",
  "target_file": "<absolute path>",
  "line_start": <int or null>,
  "line_end": <int or null>,
  "recommended_change": "<precise, testable description of the change>",
  "estimated_lines": <int>,
  "confidence": "high" | "medium" | "low"
}
`, failure.Command, failure.Phase, failure.Category, truncateDetail(failure.Details, 500), frameworkDir)

	return b.String()
}

// fixPrompt carries the diagnosis verbatim into the write session.
func fixPrompt(d *Diagnosis, typecheckCmd, testCmd string) string {
	lineRange := ""
	if d.LineStart > 0 {
		lineRange = fmt.Sprintf(" (lines %d-%d)", d.LineStart, d.LineEnd)
	}

	return fmt.Sprintf(`Apply a minimal fix for a diagnosed bug.

Diagnosis:
- root cause: %s
- target file: %s%s
- recommended change: %s

Rules:
1. Change ONLY the file %s. Do not touch any other file.
2. Keep the total diff at or under 30 changed lines.
3. After editing, run %q and %q from the project root and make both pass.

If the fix cannot be done within these limits, stop and explain why instead
of exceeding them.
`, d.RootCause, d.TargetFile, lineRange, d.Recommendation, d.TargetFile, typecheckCmd, testCmd)
}

func truncateDetail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
