// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package auditlog records every supervisor action against a project. Two
// files are kept in lockstep: a human-readable markdown log and a structured
// JSONL twin. Both are append-only; entries are never edited or reordered.
package auditlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry is one cycle-action record.
type Entry struct {
	Timestamp         time.Time `json:"timestamp"`
	Project           string    `json:"project"`
	StallType         string    `json:"stall_type,omitempty"`
	Action            string    `json:"action"`
	Outcome           string    `json:"outcome"`
	RootCause         string    `json:"root_cause,omitempty"`
	FixFile           string    `json:"fix_file,omitempty"`
	CostUSD           float64   `json:"cost_usd,omitempty"`
	RecalledMemoryIDs []string  `json:"recalled_memory_ids,omitempty"`
	StoredMemoryID    string    `json:"stored_memory_id,omitempty"`
}

// Logger appends entries to the markdown and JSONL logs.
type Logger struct {
	mdPath    string
	jsonlPath string
	mu        sync.Mutex
}

// New returns a logger for the given file pair.
func New(mdPath, jsonlPath string) *Logger {
	return &Logger{mdPath: mdPath, jsonlPath: jsonlPath}
}

// Append writes one entry to both logs using O_APPEND semantics. The
// supervisor is the only writer, so no cross-process locking is needed.
func (l *Logger) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if err := appendTo(l.mdPath, l.renderMarkdown(e)); err != nil {
		return fmt.Errorf("failed to append intervention log: %w", err)
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize intervention record: %w", err)
	}
	if err := appendTo(l.jsonlPath, string(line)+"\n"); err != nil {
		return fmt.Errorf("failed to append structured record: %w", err)
	}
	return nil
}

func (l *Logger) renderMarkdown(e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s — %s\n", e.Timestamp.Format(time.RFC3339), e.Project)
	if e.StallType != "" {
		fmt.Fprintf(&b, "- stall: %s\n", e.StallType)
	}
	fmt.Fprintf(&b, "- action: %s\n", e.Action)
	fmt.Fprintf(&b, "- outcome: %s\n", e.Outcome)
	if e.RootCause != "" {
		fmt.Fprintf(&b, "- root cause: %s\n", e.RootCause)
	}
	if e.FixFile != "" {
		fmt.Fprintf(&b, "- fix file: %s\n", e.FixFile)
	}
	if e.CostUSD > 0 {
		fmt.Fprintf(&b, "- cost: $%.4f\n", e.CostUSD)
	}
	if len(e.RecalledMemoryIDs) > 0 {
		fmt.Fprintf(&b, "- recalled memories: %s\n", strings.Join(e.RecalledMemoryIDs, ", "))
	}
	if e.StoredMemoryID != "" {
		fmt.Fprintf(&b, "- stored memory: %s\n", e.StoredMemoryID)
	}
	b.WriteString("\n")
	return b.String()
}

func appendTo(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(text)
	return err
}
