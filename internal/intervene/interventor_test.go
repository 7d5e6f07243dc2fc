// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package intervene

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/pivkit/piv/internal/config"
	"github.com/pivkit/piv/internal/manifest"
	"github.com/pivkit/piv/internal/memory"
	"github.com/pivkit/piv/internal/registry"
	"github.com/pivkit/piv/internal/session"
)

// fakeRunner scripts session responses; each call pops the next step.
type fakeRunner struct {
	steps    []func(req session.Request) (*session.Result, error)
	requests []session.Request
}

func (f *fakeRunner) Run(_ context.Context, req session.Request) (*session.Result, error) {
	f.requests = append(f.requests, req)
	if len(f.steps) == 0 {
		return nil, fmt.Errorf("unexpected session call")
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step(req)
}

func respond(out string) func(session.Request) (*session.Result, error) {
	return func(session.Request) (*session.Result, error) {
		return &session.Result{Subtype: session.SubtypeSuccess, Output: out, CostUSD: 0.1, SessionID: "sess"}, nil
	}
}

func diagnosisJSON(location, targetFile string, estimatedLines int) string {
	return fmt.Sprintf(`Here is my analysis.
{
  "bug_location": %q,
  "root_cause": "off-by-one in pagination loop",
  "target_file": %q,
  "line_start": 10,
  "line_end": 12,
  "recommended_change": "clamp the upper bound to len(items)",
  "estimated_lines": %d,
  "confidence": "high"
}`, location, targetFile, estimatedLines)
}

type fixture struct {
	iv      *Interventor
	runner  *fakeRunner
	cfg     *config.Config
	store   *registry.Store
	project registry.Project
}

// newFixture registers one project whose directory is a git repo with a
// committed source file and a pending failure entry.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	projectDir := initRepo(t, "src/app.ts", "line1\nline2\nline3\n")
	home := t.TempDir()

	writePendingFailure(t, projectDir, manifest.CategoryTestFailure, 2)

	store := registry.NewStore(filepath.Join(home, "registry.yaml"), 2*time.Second)
	project := registry.Project{
		Name:      "alpha",
		Path:      projectDir,
		Status:    registry.StatusRunning,
		Heartbeat: time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.Register(project))

	cfg := config.Default(home)
	cfg.FrameworkDir = filepath.Join(home, "framework")
	cfg.TypecheckCommand = "true"
	cfg.TestCommand = "true"

	runner := &fakeRunner{}
	return &fixture{
		iv:      New(cfg, runner, memory.New("", "", 0), store),
		runner:  runner,
		cfg:     cfg,
		store:   store,
		project: project,
	}
}

func writePendingFailure(t *testing.T, projectDir string, cat manifest.ErrorCategory, phase int) {
	t.Helper()
	path := manifest.PathFor(projectDir)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	m := &manifest.Manifest{Failures: []manifest.FailureEntry{{
		Command:    "validate",
		Phase:      phase,
		Category:   cat,
		Details:    "expected 200, got 500",
		Resolution: manifest.ResolutionPending,
		Timestamp:  time.Now().UTC(),
	}}}
	data, err := yaml.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestIntervene_SuccessfulProjectFix(t *testing.T) {
	f := newFixture(t)
	target := filepath.Join(f.project.Path, "src", "app.ts")

	f.runner.steps = []func(session.Request) (*session.Result, error){
		respond(diagnosisJSON("project_bug", target, 3)),
		func(session.Request) (*session.Result, error) {
			// The fix session edits the diagnosed file.
			if err := os.WriteFile(target, []byte("line1\nfixed\nline3\n"), 0o644); err != nil {
				return nil, err
			}
			return &session.Result{Subtype: session.SubtypeSuccess, Output: "done", CostUSD: 0.8}, nil
		},
	}

	res, err := f.iv.Intervene(context.Background(), f.project)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.Escalated)
	assert.Equal(t, manifest.ResolutionAutoFixed, res.Resolution)
	assert.False(t, res.FrameworkFix)
	require.NotNil(t, res.HotFix)
	assert.True(t, res.HotFix.ValidationPassed)
	assert.Equal(t, 2, res.HotFix.LinesChanged)

	// Session shapes: read-only diagnosis, then the extended fix allow-list.
	require.Len(t, f.runner.requests, 2)
	assert.Equal(t, readOnlyTools, f.runner.requests[0].AllowedTools)
	assert.Equal(t, fixTools, f.runner.requests[1].AllowedTools)
	assert.Equal(t, f.cfg.DiagnosisBudgetUSD, f.runner.requests[0].BudgetUSD)
	assert.Equal(t, f.cfg.FixBudgetUSD, f.runner.requests[1].BudgetUSD)
}

func TestIntervene_ValidationFailureReverts(t *testing.T) {
	f := newFixture(t)
	f.cfg.TestCommand = "false" // unit tests fail
	target := filepath.Join(f.project.Path, "src", "app.ts")

	f.runner.steps = []func(session.Request) (*session.Result, error){
		respond(diagnosisJSON("project_bug", target, 3)),
		func(session.Request) (*session.Result, error) {
			if err := os.WriteFile(target, []byte("line1\nbad fix\nline3\n"), 0o644); err != nil {
				return nil, err
			}
			return &session.Result{Subtype: session.SubtypeSuccess, Output: "done"}, nil
		},
	}

	res, err := f.iv.Intervene(context.Background(), f.project)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, res.Escalated)
	assert.Equal(t, manifest.ResolutionRolledBack, res.Resolution)
	require.NotNil(t, res.HotFix)
	assert.True(t, res.HotFix.RevertPerformed)
	assert.False(t, res.HotFix.ValidationPassed)

	// The working copy is back at HEAD.
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\nline3\n", string(data))
}

func TestIntervene_CredentialCauseNeedsHuman(t *testing.T) {
	f := newFixture(t)

	out := `{"bug_location":"project_bug","root_cause":"invalid API key for the billing service","target_file":"` +
		filepath.Join(f.project.Path, "src/app.ts") + `","estimated_lines":2,"recommended_change":"rotate it","confidence":"high"}`
	f.runner.steps = []func(session.Request) (*session.Result, error){respond(out)}

	res, err := f.iv.Intervene(context.Background(), f.project)
	require.NoError(t, err)

	assert.True(t, res.Escalated)
	assert.Equal(t, manifest.ResolutionEscalated, res.Resolution)
	assert.Contains(t, res.Detail, "Action needed")
	assert.Len(t, f.runner.requests, 1, "no fix session may start for human_required")
}

func TestIntervene_UnusableDiagnosisEscalates(t *testing.T) {
	f := newFixture(t)
	f.runner.steps = []func(session.Request) (*session.Result, error){respond("I could not figure this out, sorry.")}

	res, err := f.iv.Intervene(context.Background(), f.project)
	require.NoError(t, err)
	assert.True(t, res.Escalated)
	assert.Contains(t, res.Detail, "unusable")
}

func TestIntervene_DiagnosisBudgetExhaustion(t *testing.T) {
	f := newFixture(t)
	f.runner.steps = []func(session.Request) (*session.Result, error){
		func(session.Request) (*session.Result, error) {
			return &session.Result{Subtype: session.SubtypeMaxBudget, NumTurns: 15, CostUSD: 0.5}, nil
		},
	}

	res, err := f.iv.Intervene(context.Background(), f.project)
	require.NoError(t, err)
	assert.True(t, res.Escalated)
	assert.Contains(t, res.Detail, "human_required")
}

func TestIntervene_OversizedEstimateEscalates(t *testing.T) {
	f := newFixture(t)
	target := filepath.Join(f.project.Path, "src", "app.ts")
	f.runner.steps = []func(session.Request) (*session.Result, error){
		respond(diagnosisJSON("project_bug", target, 45)),
	}

	res, err := f.iv.Intervene(context.Background(), f.project)
	require.NoError(t, err)
	assert.True(t, res.Escalated)
	assert.Contains(t, res.Detail, "30-line")
	assert.Len(t, f.runner.requests, 1)
}

func TestIntervene_RepeatAttemptEscalates(t *testing.T) {
	f := newFixture(t)
	f.cfg.TestCommand = "false"
	target := filepath.Join(f.project.Path, "src", "app.ts")

	failingFix := []func(session.Request) (*session.Result, error){
		respond(diagnosisJSON("project_bug", target, 3)),
		func(session.Request) (*session.Result, error) {
			if err := os.WriteFile(target, []byte("line1\nbad\nline3\n"), 0o644); err != nil {
				return nil, err
			}
			return &session.Result{Subtype: session.SubtypeSuccess, Output: "done"}, nil
		},
	}
	f.runner.steps = append(failingFix, respond(diagnosisJSON("project_bug", target, 3)))

	first, err := f.iv.Intervene(context.Background(), f.project)
	require.NoError(t, err)
	require.True(t, first.Escalated)

	// Same cycle, same (project, file, category): the gate refuses a retry.
	second, err := f.iv.Intervene(context.Background(), f.project)
	require.NoError(t, err)
	assert.True(t, second.Escalated)
	assert.Contains(t, second.Detail, "already failed this cycle")

	// A new cycle clears the slate.
	f.iv.ResetCycle()
	f.runner.steps = []func(session.Request) (*session.Result, error){
		respond(diagnosisJSON("project_bug", target, 45)), // gate on size, not on dedup
	}
	third, err := f.iv.Intervene(context.Background(), f.project)
	require.NoError(t, err)
	assert.NotContains(t, third.Detail, "already failed")
}

func TestIntervene_FrameworkFixFlagsPropagation(t *testing.T) {
	f := newFixture(t)
	f.cfg.FrameworkDir = initRepo(t, "commands/validate.md", "step one\nstep two\nstep three\n")
	target := filepath.Join(f.cfg.FrameworkDir, "commands", "validate.md")

	f.runner.steps = []func(session.Request) (*session.Result, error){
		respond(diagnosisJSON("framework_bug", target, 2)),
		func(session.Request) (*session.Result, error) {
			if err := os.WriteFile(target, []byte("step one\nstep two fixed\nstep three\n"), 0o644); err != nil {
				return nil, err
			}
			return &session.Result{Subtype: session.SubtypeSuccess, Output: "done"}, nil
		},
	}

	res, err := f.iv.Intervene(context.Background(), f.project)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.FrameworkFix)
	assert.Equal(t, []string{"commands/validate.md"}, res.ChangedRelPaths)
}

func TestCrossProjectPattern(t *testing.T) {
	f := newFixture(t)

	failure := manifest.FailureEntry{Category: manifest.CategoryTestFailure, Phase: 2, Timestamp: time.Now()}
	assert.False(t, f.iv.crossProjectPattern(failure), "one project is not a pattern")

	// A second project with the same category and phase within 24h.
	otherDir := t.TempDir()
	writePendingFailure(t, otherDir, manifest.CategoryTestFailure, 2)
	require.NoError(t, f.store.Register(registry.Project{
		Name: "beta", Path: otherDir, Status: registry.StatusRunning, Heartbeat: time.Now(),
	}))

	assert.True(t, f.iv.crossProjectPattern(failure))

	// Different phase does not match.
	assert.False(t, f.iv.crossProjectPattern(manifest.FailureEntry{
		Category: manifest.CategoryTestFailure, Phase: 9, Timestamp: time.Now(),
	}))
}

func TestParseDiagnosis(t *testing.T) {
	d := parseDiagnosis(diagnosisJSON("project_bug", "/work/app/src/x.ts", 5))
	require.NotNil(t, d)
	assert.Equal(t, LocationProject, d.BugLocation)
	assert.Equal(t, "/work/app/src/x.ts", d.TargetFile)
	assert.Equal(t, 5, d.EstimatedLines)
	assert.Equal(t, 10, d.LineStart)
	assert.Equal(t, "high", d.Confidence)

	assert.Nil(t, parseDiagnosis("no json here"))
	assert.Nil(t, parseDiagnosis(`{"no_location": true}`))
	assert.Nil(t, parseDiagnosis("{broken json"))
}

func TestPathWithin(t *testing.T) {
	assert.True(t, pathWithin("/work/app", "/work/app/src/x.ts"))
	assert.True(t, pathWithin("/work/app", "/work/app"))
	assert.False(t, pathWithin("/work/app", "/work/app-other/src/x.ts"))
	assert.False(t, pathWithin("/work/app", "/etc/passwd"))
	assert.False(t, pathWithin("", "/work/app"))
}

func TestPriorFixesBlock(t *testing.T) {
	assert.Empty(t, priorFixesBlock(nil))

	block := priorFixesBlock([]memory.FixRecord{
		{ID: "m1", Content: "Fixed dependency_error by pinning lodash"},
		{ID: "m2", Content: "Fixed test_failure in auth module"},
	})
	assert.True(t, strings.Contains(block, "may be outdated"))
	assert.True(t, strings.Contains(block, "pinning lodash"))
	assert.True(t, strings.Contains(block, "Prior fix 2"))
}

func TestIntervene_NoPendingFailureIsNoOp(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, manifest.ResolveLatestPending(
		manifest.PathFor(f.project.Path), manifest.ResolutionAutoFixed))

	res, err := f.iv.Intervene(context.Background(), f.project)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.Escalated)
	assert.Empty(t, string(res.Resolution), "a no-op must not claim a resolution")
	assert.Empty(t, f.runner.requests, "no session may start without a pending failure")
}

func TestIntervene_FrameworkDirInsideLargerRepo(t *testing.T) {
	f := newFixture(t)

	// The framework assets live in a subdirectory of a bigger repository;
	// propagation paths must be relative to the framework dir, not to the
	// enclosing worktree root.
	repo := initRepo(t, "kit/commands/validate.md", "step one\nstep two\nstep three\n")
	f.cfg.FrameworkDir = filepath.Join(repo, "kit")
	target := filepath.Join(f.cfg.FrameworkDir, "commands", "validate.md")

	f.runner.steps = []func(session.Request) (*session.Result, error){
		respond(diagnosisJSON("framework_bug", target, 2)),
		func(session.Request) (*session.Result, error) {
			if err := os.WriteFile(target, []byte("step one\nstep two fixed\nstep three\n"), 0o644); err != nil {
				return nil, err
			}
			return &session.Result{Subtype: session.SubtypeSuccess, Output: "done"}, nil
		},
	}

	res, err := f.iv.Intervene(context.Background(), f.project)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.FrameworkFix)
	assert.Equal(t, []string{"commands/validate.md"}, res.ChangedRelPaths)
}

func TestFrameworkRel(t *testing.T) {
	assert.Equal(t, "commands/validate.md",
		frameworkRel("/srv/repo/kit", "/srv/repo/kit/commands/validate.md"))
	assert.Equal(t, "loop.md", frameworkRel("/srv/kit/", "/srv/kit/loop.md"))
}
