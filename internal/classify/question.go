// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package classify

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// questionMarkers are phrases that strongly suggest the agent stopped to ask
// the operator something.
var questionMarkers = []string{
	"(y/n)",
	"[y/n]",
	"[yes/no]",
	"please confirm",
	"please provide",
	"would you like",
	"which option",
	"which approach",
	"should i proceed",
	"do you want",
	"awaiting input",
	"waiting for input",
	"let me know",
}

// LooksLikeQuestion reports whether the tail of an orchestrator output log
// ends in a question-like pattern. It inspects only the last few non-empty
// lines, so callers can hand it a bounded tail read.
func LooksLikeQuestion(tail string) bool {
	lines := lastNonEmptyLines(tail, 5)
	if len(lines) == 0 {
		return false
	}

	last := strings.ToLower(strings.TrimSpace(lines[len(lines)-1]))
	if strings.HasSuffix(last, "?") {
		return true
	}

	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, marker := range questionMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

// QuestionEnv is the expression environment for heuristic overrides.
type QuestionEnv struct {
	Tail     string
	LastLine string
}

// CompileQuestionExpr builds a question detector from a user-supplied expr
// expression over QuestionEnv, e.g.
//
//	LastLine endsWith "?" or Tail contains "please confirm"
//
// The returned function has the same shape as LooksLikeQuestion so the
// classifier does not care which one it runs.
func CompileQuestionExpr(expression string) (func(tail string) bool, error) {
	program, err := expr.Compile(expression, expr.Env(QuestionEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile question expression %q: %w", expression, err)
	}
	return func(tail string) bool {
		return runQuestionProgram(program, tail)
	}, nil
}

func runQuestionProgram(program *vm.Program, tail string) bool {
	env := QuestionEnv{Tail: tail}
	if lines := lastNonEmptyLines(tail, 1); len(lines) == 1 {
		env.LastLine = strings.TrimSpace(lines[0])
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

func lastNonEmptyLines(s string, n int) []string {
	all := strings.Split(s, "\n")
	var out []string
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(all[i]) != "" {
			out = append([]string{all[i]}, out...)
		}
	}
	return out
}
