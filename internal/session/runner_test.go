// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestScanForResult_ParsesTerminalEvent(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"sess-1"}`,
		`{"type":"assistant","message":{"content":"working on it"}}`,
		`{"type":"result","subtype":"success","result":"all done","total_cost_usd":0.4321,"session_id":"sess-1","num_turns":7}`,
	}, "\n")

	res := scanForResult(strings.NewReader(stream))
	if res == nil {
		t.Fatal("expected a parsed result")
	}
	if res.Subtype != SubtypeSuccess {
		t.Errorf("subtype = %q", res.Subtype)
	}
	if res.Output != "all done" {
		t.Errorf("output = %q", res.Output)
	}
	if res.CostUSD != 0.4321 {
		t.Errorf("cost = %f", res.CostUSD)
	}
	if res.SessionID != "sess-1" || res.NumTurns != 7 {
		t.Errorf("session metadata mismatch: %+v", res)
	}
	if !res.Succeeded() {
		t.Error("success subtype should report Succeeded")
	}
}

func TestScanForResult_SkipsNoise(t *testing.T) {
	stream := strings.Join([]string{
		"some startup banner",
		"",
		`not json at all {`,
		`{"type":"result","subtype":"error_max_turns","num_turns":15,"total_cost_usd":0.5}`,
	}, "\n")

	res := scanForResult(strings.NewReader(stream))
	if res == nil {
		t.Fatal("noise lines must not prevent parsing the result event")
	}
	if res.Subtype != SubtypeMaxTurns {
		t.Errorf("subtype = %q", res.Subtype)
	}
	if res.Succeeded() {
		t.Error("error_max_turns is not success")
	}
}

func TestScanForResult_NoResultEvent(t *testing.T) {
	res := scanForResult(strings.NewReader(`{"type":"assistant"}` + "\n"))
	if res != nil {
		t.Fatalf("expected nil without a result event, got %+v", res)
	}
}

func TestScanForResult_LastResultWins(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"result","subtype":"success","result":"first"}`,
		`{"type":"result","subtype":"success","result":"second"}`,
	}, "\n")

	res := scanForResult(strings.NewReader(stream))
	if res == nil || res.Output != "second" {
		t.Fatalf("the final result event should win, got %+v", res)
	}
}

func TestCLIRunner_DriverArgs(t *testing.T) {
	// Use a shell as the fake driver: it echoes a canned result event so the
	// full subprocess path is exercised without the real CLI.
	r := &CLIRunner{Binary: "sh"}
	res, err := r.Run(context.Background(), Request{
		Prompt:  `-c 'echo {\"type\":\"result\"...}'`, // prompt goes to stdin, not argv
		WorkDir: t.TempDir(),
		Timeout: 2 * time.Second,
	})
	// sh rejects the supervisor's driver flags; the point is that Run
	// surfaces a driver error instead of hanging or panicking.
	if err == nil {
		t.Fatalf("expected a driver error from a non-driver binary, got %+v", res)
	}
}

func TestNewCLIRunner_DefaultBinary(t *testing.T) {
	if NewCLIRunner("").Binary != "claude" {
		t.Error("empty binary must default to claude")
	}
}
