// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package propagate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pivkit/piv/internal/config"
	"github.com/pivkit/piv/internal/registry"
)

type fixture struct {
	prop    *Propagator
	store   *registry.Store
	cfg     *config.Config
	spawned []string
	killed  []int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	home := t.TempDir()

	cfg := config.Default(home)
	cfg.FrameworkDir = filepath.Join(home, "framework")
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.FrameworkDir, "commands"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(cfg.FrameworkDir, "commands", "validate.md"), []byte("fixed content\n"), 0o644))

	store := registry.NewStore(filepath.Join(home, "registry.yaml"), 2*time.Second)

	f := &fixture{store: store, cfg: cfg}
	f.prop = New(cfg, store)
	f.prop.killGrace = time.Millisecond
	f.prop.spawn = func(command, projectPath string, withPreamble bool) (int, error) {
		f.spawned = append(f.spawned, projectPath)
		return 9000 + len(f.spawned), nil
	}
	f.prop.kill = func(pid int, grace time.Duration) error {
		f.killed = append(f.killed, pid)
		return nil
	}
	return f
}

func (f *fixture) register(t *testing.T, name, version string, pid *int) registry.Project {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(path, 0o755))
	p := registry.Project{
		Name:               name,
		Path:               path,
		Status:             registry.StatusRunning,
		Heartbeat:          time.Now().Add(-time.Hour),
		PivCommandsVersion: version,
		OrchestratorPid:    pid,
	}
	require.NoError(t, f.store.Register(p))
	return p
}

func TestPropagate_UpdatesStaleProjects(t *testing.T) {
	f := newFixture(t)
	oldPid := 1234
	stale := f.register(t, "stale-proj", "aaaaaaa", &oldPid)
	f.register(t, "current-proj", "bbbbbbb", nil)

	res, err := f.prop.Propagate(context.Background(), []string{"commands/validate.md"}, "bbbbbbb", nil)
	require.NoError(t, err)

	require.Len(t, res.Projects, 2)
	byName := map[string]ProjectResult{}
	for _, pr := range res.Projects {
		byName[pr.Project] = pr
	}
	assert.Equal(t, OutcomeSkipped, byName["current-proj"].Outcome)
	assert.Equal(t, OutcomeUpdated, byName["stale-proj"].Outcome)
	assert.Equal(t, 1, res.Updated())

	// The changed file landed in the project's mirror.
	data, err := os.ReadFile(filepath.Join(stale.Path, ".piv", "commands", "validate.md"))
	require.NoError(t, err)
	assert.Equal(t, "fixed content\n", string(data))

	// Old orchestrator killed, fresh one spawned, registry updated.
	assert.Equal(t, []int{1234}, f.killed)
	assert.Equal(t, []string{stale.Path}, f.spawned)

	reg, err := f.store.Read()
	require.NoError(t, err)
	got := reg.Projects["stale-proj"]
	assert.Equal(t, "bbbbbbb", got.PivCommandsVersion)
	require.NotNil(t, got.OrchestratorPid)
	assert.Equal(t, 9001, *got.OrchestratorPid)
	assert.Equal(t, registry.StatusRunning, got.Status)
}

func TestPropagate_SkipSetDefersProject(t *testing.T) {
	f := newFixture(t)
	f.register(t, "under-intervention", "aaaaaaa", nil)

	res, err := f.prop.Propagate(context.Background(),
		[]string{"commands/validate.md"}, "bbbbbbb", map[string]bool{"under-intervention": true})
	require.NoError(t, err)
	assert.Empty(t, res.Projects)
	assert.Empty(t, f.spawned)
}

func TestPropagate_CopyFailureDoesNotAbortOthers(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a-broken", "old", nil)
	f.register(t, "b-fine", "old", nil)

	// Missing source file: the copy fails for every project, but both are
	// still attempted and reported.
	res, err := f.prop.Propagate(context.Background(), []string{"commands/missing.md"}, "new", nil)
	require.NoError(t, err)
	require.Len(t, res.Projects, 2)
	for _, pr := range res.Projects {
		assert.Equal(t, OutcomeFailed, pr.Outcome)
		assert.Contains(t, pr.Detail, "copy")
	}
	assert.Equal(t, 0, res.Updated())
}

func TestPropagate_RestartFailureKeepsVersionBump(t *testing.T) {
	f := newFixture(t)
	f.register(t, "stale-proj", "old", nil)
	f.prop.spawn = func(string, string, bool) (int, error) {
		return 0, fmt.Errorf("orchestrator binary not found")
	}

	res, err := f.prop.Propagate(context.Background(), []string{"commands/validate.md"}, "new", nil)
	require.NoError(t, err)
	require.Len(t, res.Projects, 1)
	assert.Equal(t, OutcomeRestartFailed, res.Projects[0].Outcome)

	// Files and version landed; only the restart is outstanding.
	reg, err := f.store.Read()
	require.NoError(t, err)
	assert.Equal(t, "new", reg.Projects["stale-proj"].PivCommandsVersion)
}
