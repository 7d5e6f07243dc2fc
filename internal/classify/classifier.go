// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package classify decides whether a registered project has stalled and, if
// so, into which category. Classification is a pure function of its inputs;
// all file reads and pid probes happen in the caller.
package classify

import (
	"fmt"
	"time"

	"github.com/pivkit/piv/internal/manifest"
	"github.com/pivkit/piv/internal/registry"
)

// StallType is the closed set of stall categories.
type StallType string

const (
	StallOrchestratorCrashed StallType = "orchestrator_crashed"
	StallAgentWaitingInput   StallType = "agent_waiting_for_input"
	StallExecutionError      StallType = "execution_error"
	StallSessionHung         StallType = "session_hung"
)

// Confidence grades how certain the classifier is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Classification describes one stalled project. It is never constructed for
// healthy projects.
type Classification struct {
	Project      registry.Project
	Type         StallType
	Confidence   Confidence
	HeartbeatAge time.Duration
	Detail       string
}

// Inputs carries the observed facts the classifier decides on.
type Inputs struct {
	// Now is the wall-clock reference for heartbeat age.
	Now time.Time
	// Pending holds the project's unresolved failure entries; a missing
	// state file is represented as an empty slice.
	Pending []manifest.FailureEntry
	// PidAlive is the result of the non-blocking signal-0 probe. A nil
	// orchestrator pid must be reported as not alive.
	PidAlive bool
	// OutputTail is the trailing portion of the orchestrator's output log;
	// empty when the log is missing.
	OutputTail string
	// Question detects a waiting-for-input tail. When nil the package
	// default heuristic applies.
	Question func(tail string) bool
}

// Classify applies the ordered decision rules and returns nil for a healthy
// project. Rules, first match wins:
//
//  1. heartbeat fresh                          -> healthy
//  2. stale + pid dead                         -> orchestrator_crashed (high)
//  3. stale + pid alive + pending failure      -> execution_error (high)
//  4. stale + pid alive + question-like output -> agent_waiting_for_input (medium)
//  5. otherwise                                -> session_hung (medium)
func Classify(p registry.Project, in Inputs, staleAfter time.Duration) *Classification {
	age := in.Now.Sub(p.Heartbeat)
	if age < 0 {
		// Clock skew: a future heartbeat is never evidence of a stall.
		age = 0
	}

	if age < staleAfter {
		return nil
	}

	if !in.PidAlive {
		return &Classification{
			Project:      p,
			Type:         StallOrchestratorCrashed,
			Confidence:   ConfidenceHigh,
			HeartbeatAge: age,
			Detail:       fmt.Sprintf("heartbeat stale for %s and orchestrator process is gone", age.Round(time.Second)),
		}
	}

	if len(in.Pending) > 0 {
		latest := in.Pending[0]
		for _, f := range in.Pending[1:] {
			if f.Timestamp.After(latest.Timestamp) {
				latest = f
			}
		}
		return &Classification{
			Project:      p,
			Type:         StallExecutionError,
			Confidence:   ConfidenceHigh,
			HeartbeatAge: age,
			Detail:       fmt.Sprintf("pending failure: %s (phase %d)", latest.Category, latest.Phase),
		}
	}

	question := in.Question
	if question == nil {
		question = LooksLikeQuestion
	}
	if in.OutputTail != "" && question(in.OutputTail) {
		return &Classification{
			Project:      p,
			Type:         StallAgentWaitingInput,
			Confidence:   ConfidenceMedium,
			HeartbeatAge: age,
			Detail:       "session output ends with a question-like pattern",
		}
	}

	return &Classification{
		Project:      p,
		Type:         StallSessionHung,
		Confidence:   ConfidenceMedium,
		HeartbeatAge: age,
		Detail:       fmt.Sprintf("heartbeat stale for %s with live pid and no diagnosable cause", age.Round(time.Second)),
	}
}
