// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package manifest reads and updates the project-local state file at
// <project>/.agents/manifest.yaml. The orchestrator appends failure entries;
// the supervisor only ever flips the resolution of a pending entry, using the
// same atomic-rename discipline as the registry.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pivkit/piv/internal/fsio"
)

// ErrorCategory is the closed failure taxonomy shared with the orchestrator.
type ErrorCategory string

const (
	CategoryDependencyError ErrorCategory = "dependency_error"
	CategoryTypeError       ErrorCategory = "type_error"
	CategoryTestFailure     ErrorCategory = "test_failure"
	CategoryBuildError      ErrorCategory = "build_error"
	CategoryRuntimeError    ErrorCategory = "runtime_error"
	CategoryValidationError ErrorCategory = "validation_failure"
	CategoryTimeout         ErrorCategory = "timeout"
	CategoryUnknown         ErrorCategory = "unknown"
)

// Resolution is the lifecycle state of a failure entry.
type Resolution string

const (
	ResolutionPending    Resolution = "pending"
	ResolutionAutoFixed  Resolution = "auto_fixed"
	ResolutionRolledBack Resolution = "rolled_back"
	ResolutionEscalated  Resolution = "escalated"
)

// FailureEntry is one structured failure recorded by the orchestrator.
type FailureEntry struct {
	Command    string        `yaml:"command"`
	Phase      int           `yaml:"phase"`
	Category   ErrorCategory `yaml:"category"`
	Details    string        `yaml:"details"`
	RetryCount int           `yaml:"retryCount"`
	MaxRetries int           `yaml:"maxRetries"`
	Resolution Resolution    `yaml:"resolution"`
	Timestamp  time.Time     `yaml:"timestamp"`
}

// Commands optionally overrides the supervisor's default validation commands
// for this project.
type Commands struct {
	Typecheck string `yaml:"typecheck,omitempty"`
	Test      string `yaml:"test,omitempty"`
}

// Manifest is the project-local state file.
type Manifest struct {
	Failures []FailureEntry `yaml:"failures"`
	Commands Commands       `yaml:"commands,omitempty"`
}

// PathFor returns the manifest location for a project directory.
func PathFor(projectPath string) string {
	return filepath.Join(projectPath, ".agents", "manifest.yaml")
}

// OutputLogPath returns the orchestrator output log for a project directory.
func OutputLogPath(projectPath string) string {
	return filepath.Join(projectPath, ".agents", "orchestrator.log")
}

// Load reads a manifest. A missing file is not a failure; it yields an empty
// manifest.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// Pending returns the failure entries still awaiting resolution, oldest first.
func (m *Manifest) Pending() []FailureEntry {
	var out []FailureEntry
	for _, f := range m.Failures {
		if f.Resolution == ResolutionPending || f.Resolution == "" {
			out = append(out, f)
		}
	}
	return out
}

// LatestPending returns the most recent pending failure, if any.
func (m *Manifest) LatestPending() (FailureEntry, bool) {
	pending := m.Pending()
	if len(pending) == 0 {
		return FailureEntry{}, false
	}
	latest := pending[0]
	for _, f := range pending[1:] {
		if f.Timestamp.After(latest.Timestamp) {
			latest = f
		}
	}
	return latest, true
}

// ResolveLatestPending rewrites the manifest with the most recent pending
// failure's resolution set to res. Resolving with no pending entries is a
// no-op, not an error.
func ResolveLatestPending(path string, res Resolution) error {
	m, err := Load(path)
	if err != nil {
		return err
	}

	idx := -1
	for i, f := range m.Failures {
		if f.Resolution != ResolutionPending && f.Resolution != "" {
			continue
		}
		if idx == -1 || f.Timestamp.After(m.Failures[idx].Timestamp) {
			idx = i
		}
	}
	if idx == -1 {
		return nil
	}

	m.Failures[idx].Resolution = res
	return write(path, m)
}

// WriteSkeleton creates an empty manifest if none exists yet.
func WriteSkeleton(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return write(path, &Manifest{Failures: []FailureEntry{}})
}

func write(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}
	return fsio.AtomicWrite(path, data, 0o644)
}
