// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package classify

import "testing"

func TestLooksLikeQuestion(t *testing.T) {
	cases := []struct {
		name string
		tail string
		want bool
	}{
		{"empty", "", false},
		{"trailing question mark", "building...\nWhich schema should I use?", true},
		{"confirm marker", "Please confirm the deletion\ndone", true},
		{"yes-no marker", "Proceed with migration? (y/n)\n", true},
		{"marker beyond window", "do you want this?\na\nb\nc\nd\ne\nf", false},
		{"plain progress", "compiled 3 packages\nrunning tests", false},
		{"question mid-line only", "what? no, that worked fine\nall green", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := LooksLikeQuestion(tc.tail); got != tc.want {
				t.Errorf("LooksLikeQuestion(%q) = %v, want %v", tc.tail, got, tc.want)
			}
		})
	}
}

func TestCompileQuestionExpr(t *testing.T) {
	q, err := CompileQuestionExpr(`LastLine endsWith "!" or Tail contains "INPUT NEEDED"`)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	if !q("work work\nanswer me!") {
		t.Error("custom expression should match the last line")
	}
	if !q("INPUT NEEDED: pick a region\nmore text") {
		t.Error("custom expression should match the tail")
	}
	if q("nothing to see here") {
		t.Error("custom expression should not match plain output")
	}
}

func TestCompileQuestionExpr_RejectsNonBool(t *testing.T) {
	if _, err := CompileQuestionExpr(`Tail + "x"`); err == nil {
		t.Fatal("non-boolean expression must be rejected at compile time")
	}
}
