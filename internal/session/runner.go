// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package session drives external AI CLI sessions. The supervisor supplies a
// prompt, working directory, tool allow-list, budget and turn caps; the
// driver streams JSON events on stdout and the terminal "result" event
// carries the outcome the supervisor acts on.
package session

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Terminal result subtypes emitted by the driver. Budget and turn exhaustion
// are terminal; the supervisor never retries them.
const (
	SubtypeSuccess         = "success"
	SubtypeMaxTurns        = "error_max_turns"
	SubtypeDuringExecution = "error_during_execution"
	SubtypeMaxBudget       = "error_max_budget_usd"
)

// Request describes one AI session.
type Request struct {
	Prompt       string
	WorkDir      string
	AllowedTools []string
	Model        string
	MaxTurns     int
	BudgetUSD    float64
	Timeout      time.Duration
}

// Result is the parsed terminal event of a session.
type Result struct {
	Subtype   string
	Output    string
	CostUSD   float64
	SessionID string
	NumTurns  int
	Stderr    string
}

// Succeeded reports whether the session reached a normal terminal result.
func (r *Result) Succeeded() bool { return r.Subtype == SubtypeSuccess }

// Runner abstracts the AI driver so the interventor can be tested without
// spawning real sessions.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// CLIRunner spawns the driver binary as a subprocess, one session per call.
// The driver is single-query-per-process; callers must not run two sessions
// concurrently.
type CLIRunner struct {
	Binary string
}

// NewCLIRunner returns a runner for the given driver binary.
func NewCLIRunner(binary string) *CLIRunner {
	if binary == "" {
		binary = "claude"
	}
	return &CLIRunner{Binary: binary}
}

// Run executes one session and blocks until its terminal result event, the
// timeout, or context cancellation. On cancellation the child receives the
// context kill; the partial stderr is preserved for the escalation log.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", req.MaxTurns))
	}
	if req.BudgetUSD > 0 {
		args = append(args, "--max-budget-usd", fmt.Sprintf("%.2f", req.BudgetUSD))
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open driver stdout: %w", err)
	}

	log.Debugf("starting AI session: %s %v (cwd=%s)", r.Binary, args, req.WorkDir)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start AI driver: %w", err)
	}

	result := scanForResult(stdout)

	waitErr := cmd.Wait()
	if result == nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("AI session timed out or was cancelled: %w", ctx.Err())
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" && waitErr != nil {
			detail = waitErr.Error()
		}
		return nil, fmt.Errorf("AI driver exited without a result event: %s", detail)
	}

	result.Stderr = stderr.String()
	return result, nil
}

// scanForResult reads stream-json lines until the terminal result event.
// Lines that are not valid events are skipped; CLIs occasionally emit noise
// around the stream.
func scanForResult(r interface{ Read([]byte) (int, error) }) *Result {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var result *Result
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !gjson.Valid(line) {
			continue
		}
		if gjson.Get(line, "type").String() != "result" {
			continue
		}
		result = &Result{
			Subtype:   gjson.Get(line, "subtype").String(),
			Output:    gjson.Get(line, "result").String(),
			CostUSD:   gjson.Get(line, "total_cost_usd").Float(),
			SessionID: gjson.Get(line, "session_id").String(),
			NumTurns:  int(gjson.Get(line, "num_turns").Int()),
		}
	}
	return result
}
