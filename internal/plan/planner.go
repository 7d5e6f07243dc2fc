// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package plan maps a stall classification and an attempt count to exactly
// one recovery action. The mapping is total over StallType x attempt count:
// every combination resolves to one action, always.
package plan

import (
	"fmt"

	"github.com/pivkit/piv/internal/classify"
	"github.com/pivkit/piv/internal/registry"
)

// ActionType is the closed set of recovery actions.
type ActionType string

const (
	// ActionRestart kills any live orchestrator pid and spawns a fresh one.
	ActionRestart ActionType = "restart"
	// ActionRestartWithPreamble restarts with the autonomous-preamble spawn
	// argument; the supervisor never edits the orchestrator's prompts itself.
	ActionRestartWithPreamble ActionType = "restart_with_preamble"
	// ActionDiagnose hands the project to the interventor. Produced only for
	// execution_error stalls.
	ActionDiagnose ActionType = "diagnose"
	// ActionEscalate notifies the human and marks the failure escalated.
	ActionEscalate ActionType = "escalate"
)

// Action is the planner's verdict for one stalled project.
type Action struct {
	Type         ActionType
	Project      registry.Project
	StallType    classify.StallType
	RestartCount int
	Detail       string
}

// Plan returns the recovery action for a classification given how many
// restart attempts this supervisor has already made for the same
// (project, stall type) pair.
//
//   - orchestrator_crashed always restarts; a crash is never retried to
//     escalation, the process simply did not exist.
//   - session_hung restarts until attempts reach maxAttempts, then escalates.
//   - agent_waiting_for_input restarts with the preamble until attempts reach
//     maxAttempts, then escalates: repeated triggering means the prompt is
//     not fixing the ambiguity.
//   - execution_error always diagnoses; its escalations come from the
//     interventor pathway, not from the planner.
func Plan(c *classify.Classification, attempts, maxAttempts int) Action {
	a := Action{
		Project:      c.Project,
		StallType:    c.Type,
		RestartCount: attempts,
		Detail:       c.Detail,
	}

	switch c.Type {
	case classify.StallOrchestratorCrashed:
		a.Type = ActionRestart
	case classify.StallSessionHung:
		if attempts >= maxAttempts {
			a.Type = ActionEscalate
			a.Detail = fmt.Sprintf("session hung after %d restarts: %s", attempts, c.Detail)
		} else {
			a.Type = ActionRestart
		}
	case classify.StallAgentWaitingInput:
		if attempts >= maxAttempts {
			a.Type = ActionEscalate
			a.Detail = fmt.Sprintf("agent still waiting for input after %d preamble restarts: %s", attempts, c.Detail)
		} else {
			a.Type = ActionRestartWithPreamble
		}
	case classify.StallExecutionError:
		a.Type = ActionDiagnose
	default:
		// Unknown stall types cannot occur by construction; treat like a
		// hung session so the mapping stays total.
		if attempts >= maxAttempts {
			a.Type = ActionEscalate
		} else {
			a.Type = ActionRestart
		}
	}
	return a
}
