// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package scaffold

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pivkit/piv/internal/manifest"
	"github.com/pivkit/piv/internal/registry"
)

func newFrameworkDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"commands/plan.md":         "# plan command\n",
		"commands/validate.md":     "# validate command\n",
		"orchestrator/loop.md":     "# orchestrator loop\n",
		"orchestrator/phases/1.md": "# phase one\n",
	}
	for rel, content := range files {
		full := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}

func newTestStore(t *testing.T) *registry.Store {
	t.Helper()
	return registry.NewStore(filepath.Join(t.TempDir(), "registry.yaml"), 2*time.Second)
}

func TestInit_BootstrapsAndRegisters(t *testing.T) {
	store := newTestStore(t)
	framework := newFrameworkDir(t)
	target := filepath.Join(t.TempDir(), "new-project")

	res, err := Init(store, Options{TargetPath: target, FrameworkDir: framework})
	require.NoError(t, err)

	assert.Equal(t, "new-project", res.Name)
	assert.Equal(t, 4, res.AssetCount)
	assert.False(t, res.Refreshed)
	assert.Len(t, res.Version, 12, "non-git framework gets a 12-char asset digest")

	// Assets are mirrored under .piv with their framework-relative layout.
	data, err := os.ReadFile(filepath.Join(target, assetDirName, "commands", "validate.md"))
	require.NoError(t, err)
	assert.Equal(t, "# validate command\n", string(data))

	// State skeleton exists.
	m, err := manifest.Load(manifest.PathFor(target))
	require.NoError(t, err)
	assert.Empty(t, m.Failures)

	// Registry row: idle, no pid, fresh heartbeat.
	reg, err := store.Read()
	require.NoError(t, err)
	p, ok := reg.FindByName("new-project")
	require.True(t, ok)
	assert.Equal(t, registry.StatusIdle, p.Status)
	assert.Nil(t, p.OrchestratorPid)
	assert.Equal(t, res.Version, p.PivCommandsVersion)
	assert.WithinDuration(t, time.Now(), p.Heartbeat, 5*time.Second)
}

func TestInit_NonEmptyTargetConflicts(t *testing.T) {
	store := newTestStore(t)
	framework := newFrameworkDir(t)
	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "existing.txt"), []byte("x"), 0o644))

	_, err := Init(store, Options{TargetPath: target, FrameworkDir: framework})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTargetConflict))

	// With overwrite the same call succeeds.
	_, err = Init(store, Options{TargetPath: target, FrameworkDir: framework, Overwrite: true})
	require.NoError(t, err)
}

func TestInit_RefreshPreservesState(t *testing.T) {
	store := newTestStore(t)
	framework := newFrameworkDir(t)
	target := filepath.Join(t.TempDir(), "proj")

	first, err := Init(store, Options{TargetPath: target, Name: "proj", FrameworkDir: framework})
	require.NoError(t, err)

	// The orchestrator accumulates state between runs.
	manPath := manifest.PathFor(target)
	require.NoError(t, os.WriteFile(manPath, []byte("failures:\n  - command: test\n    resolution: pending\n"), 0o644))

	// The framework moves forward.
	require.NoError(t, os.WriteFile(filepath.Join(framework, "commands", "plan.md"), []byte("# plan v2\n"), 0o644))

	second, err := Init(store, Options{TargetPath: target, FrameworkDir: framework})
	require.NoError(t, err)
	assert.True(t, second.Refreshed)
	assert.Equal(t, "proj", second.Name, "refresh keeps the registered name")
	assert.NotEqual(t, first.Version, second.Version, "changed assets change the version")

	// Accumulated failures survive, refreshed assets land.
	m, err := manifest.Load(manPath)
	require.NoError(t, err)
	assert.Len(t, m.Failures, 1)
	data, _ := os.ReadFile(filepath.Join(target, assetDirName, "commands", "plan.md"))
	assert.Equal(t, "# plan v2\n", string(data))
}

func TestInit_MissingFrameworkDir(t *testing.T) {
	store := newTestStore(t)
	_, err := Init(store, Options{TargetPath: filepath.Join(t.TempDir(), "p"), FrameworkDir: "/does/not/exist"})
	require.Error(t, err)
}

func TestFrameworkVersion_GitRepoUsesShortSHA(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmd.md"), []byte("content\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("cmd.md")
	require.NoError(t, err)
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	version, err := FrameworkVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, hash.String()[:7], version)
}

func TestHashAssets_Deterministic(t *testing.T) {
	framework := newFrameworkDir(t)

	a, err := hashAssets(framework)
	require.NoError(t, err)
	b, err := hashAssets(framework)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	require.NoError(t, os.WriteFile(filepath.Join(framework, "commands", "plan.md"), []byte("changed\n"), 0o644))
	c, err := hashAssets(framework)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
