// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package propagate distributes a validated framework fix to every registered
// project still carrying a stale framework version. Each project keeps its
// own copy of the framework assets under <project>/.piv; propagation copies
// the changed files over that mirror and restarts the project's orchestrator
// so the fix takes effect.
package propagate

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pivkit/piv/internal/config"
	"github.com/pivkit/piv/internal/fsio"
	"github.com/pivkit/piv/internal/procutil"
	"github.com/pivkit/piv/internal/registry"
)

// Outcome is the per-project propagation verdict.
type Outcome string

const (
	// OutcomeUpdated means files copied, version bumped, orchestrator restarted.
	OutcomeUpdated Outcome = "updated"
	// OutcomeSkipped means the project already carried the canonical version.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the file copy or registry update failed; the project
	// keeps its old version so the next propagation retries it.
	OutcomeFailed Outcome = "failed"
	// OutcomeRestartFailed means files and version landed but the fresh
	// orchestrator would not start.
	OutcomeRestartFailed Outcome = "restart_failed"
)

// ProjectResult is one project's outcome with its error detail, if any.
type ProjectResult struct {
	Project string
	Outcome Outcome
	Detail  string
}

// Result summarizes one propagation run.
type Result struct {
	Version  string
	Projects []ProjectResult
}

// Updated counts projects that received the fix.
func (r *Result) Updated() int {
	n := 0
	for _, p := range r.Projects {
		if p.Outcome == OutcomeUpdated {
			n++
		}
	}
	return n
}

// Propagator copies framework fixes into stale projects.
type Propagator struct {
	cfg   *config.Config
	store *registry.Store

	// spawn and kill are swappable for tests.
	spawn func(command, projectPath string, withPreamble bool) (int, error)
	kill  func(pid int, grace time.Duration) error

	killGrace time.Duration
}

// New returns a propagator over the given registry.
func New(cfg *config.Config, store *registry.Store) *Propagator {
	return &Propagator{
		cfg:       cfg,
		store:     store,
		spawn:     procutil.SpawnOrchestrator,
		kill:      procutil.Kill,
		killGrace: 10 * time.Second,
	}
}

// Propagate copies the changed framework files into every registered project
// whose version differs from canonicalVersion, bumps its registry row, and
// restarts its orchestrator. Projects are processed sequentially over a
// registry snapshot; one project's failure never aborts the rest. The skip
// set defers projects currently under intervention in this cycle.
func (p *Propagator) Propagate(ctx context.Context, changedRelPaths []string, canonicalVersion string, skip map[string]bool) (*Result, error) {
	reg, err := p.store.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot registry: %w", err)
	}

	result := &Result{Version: canonicalVersion}
	for _, proj := range sortedProjects(reg) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if skip[proj.Name] {
			continue
		}
		if proj.PivCommandsVersion == canonicalVersion {
			result.Projects = append(result.Projects, ProjectResult{Project: proj.Name, Outcome: OutcomeSkipped})
			continue
		}
		result.Projects = append(result.Projects, p.propagateOne(proj, changedRelPaths, canonicalVersion))
	}
	return result, nil
}

func (p *Propagator) propagateOne(proj registry.Project, relPaths []string, version string) ProjectResult {
	for _, rel := range relPaths {
		src := filepath.Join(p.cfg.FrameworkDir, rel)
		dst := filepath.Join(proj.Path, ".piv", rel)
		if err := fsio.CopyFile(src, dst, 0o644); err != nil {
			return ProjectResult{Project: proj.Name, Outcome: OutcomeFailed,
				Detail: fmt.Sprintf("copy %s: %v", rel, err)}
		}
	}

	if err := p.store.BumpVersion(proj.Name, version); err != nil {
		return ProjectResult{Project: proj.Name, Outcome: OutcomeFailed,
			Detail: fmt.Sprintf("version bump: %v", err)}
	}

	if proj.OrchestratorPid != nil {
		if err := p.kill(*proj.OrchestratorPid, p.killGrace); err != nil {
			log.Warnf("old orchestrator for %s did not stop cleanly: %v", proj.Name, err)
		}
	}

	pid, err := p.spawn(p.cfg.OrchestratorCommand, proj.Path, false)
	if err != nil {
		return ProjectResult{Project: proj.Name, Outcome: OutcomeRestartFailed,
			Detail: fmt.Sprintf("restart: %v", err)}
	}

	if err := p.store.UpdateHeartbeat(proj.Name, proj.CurrentPhase, registry.StatusRunning, &pid, version); err != nil {
		return ProjectResult{Project: proj.Name, Outcome: OutcomeRestartFailed,
			Detail: fmt.Sprintf("registry update after restart: %v", err)}
	}

	log.Infof("propagated framework fix to %s (version %s, pid %d)", proj.Name, version, pid)
	return ProjectResult{Project: proj.Name, Outcome: OutcomeUpdated}
}

func sortedProjects(reg *registry.Registry) []registry.Project {
	names := reg.Names()
	out := make([]registry.Project, 0, len(names))
	for _, n := range names {
		out = append(out, reg.Projects[n])
	}
	return out
}
