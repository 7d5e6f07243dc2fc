// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package monitor runs the supervision loop: every interval it reads the
// registry, classifies each running project, plans one recovery action, and
// dispatches it. Projects are handled strictly sequentially; the AI driver is
// single-query-per-process and interventions are expensive, so parallelism
// across projects is avoided on purpose.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pivkit/piv/internal/auditlog"
	"github.com/pivkit/piv/internal/classify"
	"github.com/pivkit/piv/internal/config"
	"github.com/pivkit/piv/internal/fsio"
	"github.com/pivkit/piv/internal/intervene"
	"github.com/pivkit/piv/internal/manifest"
	"github.com/pivkit/piv/internal/notify"
	"github.com/pivkit/piv/internal/plan"
	"github.com/pivkit/piv/internal/procutil"
	"github.com/pivkit/piv/internal/propagate"
	"github.com/pivkit/piv/internal/registry"
)

// outputTailBytes bounds how much of the orchestrator log the classifier sees.
const outputTailBytes = 2048

// Interventionist drives the diagnose-then-fix pipeline for one project.
type Interventionist interface {
	ResetCycle()
	Intervene(ctx context.Context, project registry.Project) (*intervene.Result, error)
}

// FrameworkPropagator distributes a validated framework fix.
type FrameworkPropagator interface {
	Propagate(ctx context.Context, changedRelPaths []string, canonicalVersion string, skip map[string]bool) (*propagate.Result, error)
}

// Notifier delivers escalation messages.
type Notifier interface {
	Enabled() bool
	Send(ctx context.Context, text string) error
}

// counterKey scopes restart attempts to one (project, stall type) pair.
type counterKey struct {
	Project string
	Stall   classify.StallType
}

// ActionOutcome is one dispatched action in a cycle.
type ActionOutcome struct {
	Project   string
	StallType classify.StallType
	Action    plan.ActionType
	Outcome   string
}

// CycleResult summarizes one monitor cycle.
type CycleResult struct {
	Checked     int
	Stalled     int
	Escalations int
	Actions     []ActionOutcome
}

// Monitor owns the supervision loop state. Restart counters live here in
// memory only; a supervisor restart is deliberately a clean slate.
type Monitor struct {
	mu          sync.RWMutex
	cfg         *config.Config
	store       *registry.Store
	interventor Interventionist
	propagator  FrameworkPropagator
	notifier    Notifier
	audit       *auditlog.Logger

	question  func(tail string) bool
	versionFn func(frameworkDir string) (string, error)

	spawn func(command, projectPath string, withPreamble bool) (int, error)
	kill  func(pid int, grace time.Duration) error
	alive func(pid int) bool

	counters  map[counterKey]int
	killGrace time.Duration
	now       func() time.Time
}

// New wires a monitor. A non-empty QuestionExpr in the config replaces the
// built-in waiting-for-input heuristic; a bad expression falls back to it.
func New(cfg *config.Config, store *registry.Store, iv Interventionist, prop FrameworkPropagator, n Notifier, audit *auditlog.Logger, versionFn func(string) (string, error)) *Monitor {
	m := &Monitor{
		cfg:         cfg,
		store:       store,
		interventor: iv,
		propagator:  prop,
		notifier:    n,
		audit:       audit,
		versionFn:   versionFn,
		spawn:       procutil.SpawnOrchestrator,
		kill:        procutil.Kill,
		alive:       procutil.Alive,
		counters:    make(map[counterKey]int),
		killGrace:   10 * time.Second,
		now:         time.Now,
	}
	m.compileQuestion(cfg)
	return m
}

// SetConfig swaps in a reloaded configuration. Scheduling, thresholds, and
// the question heuristic take effect on the next cycle; components built at
// wiring time (session driver, notifier, memory client) keep their original
// settings until the supervisor restarts.
func (m *Monitor) SetConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.compileQuestion(cfg)
}

func (m *Monitor) config() *config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Monitor) compileQuestion(cfg *config.Config) {
	if cfg.QuestionExpr == "" {
		m.mu.Lock()
		m.question = nil
		m.mu.Unlock()
		return
	}
	q, err := classify.CompileQuestionExpr(cfg.QuestionExpr)
	if err != nil {
		log.Warnf("question-expr does not compile, using built-in heuristic: %v", err)
		return
	}
	m.mu.Lock()
	m.question = q
	m.mu.Unlock()
}

// questionFn snapshots the heuristic so a concurrent SetConfig cannot race
// with a running cycle.
func (m *Monitor) questionFn() func(tail string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.question
}

// Run executes cycles until ctx is cancelled. It writes the supervisor pid
// file on entry and removes it on the way out. An overrunning cycle is
// followed immediately by the next one; cycles never overlap because there is
// only this loop.
func (m *Monitor) Run(ctx context.Context) error {
	pidPath := m.config().PidFilePath()
	if err := procutil.WritePidFile(pidPath); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	defer procutil.RemovePidFile(pidPath)

	log.Infof("monitor started, interval %s", m.config().MonitorInterval)
	for {
		started := m.now()
		if _, err := m.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("cycle aborted: %v", err)
		}

		wait := m.config().MonitorInterval - m.now().Sub(started)
		if wait <= 0 {
			// Overrun: start the next cycle immediately.
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			log.Info("monitor stopping")
			return nil
		case <-time.After(wait):
		}
	}
}

// RunOnce executes exactly one cycle. A corrupt registry aborts the cycle
// with an error but the caller's daemon keeps running; cancellation stops at
// the next project boundary, never mid-intervention.
func (m *Monitor) RunOnce(ctx context.Context) (*CycleResult, error) {
	m.interventor.ResetCycle()

	reg, err := m.store.Read()
	if err != nil {
		if errors.Is(err, registry.ErrCorruptRegistry) {
			return nil, fmt.Errorf("registry unreadable, skipping cycle: %w", err)
		}
		return nil, err
	}

	result := &CycleResult{}
	for _, p := range reg.ListRunning() {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Checked++

		c := m.classifyProject(p)
		if c == nil {
			continue
		}
		result.Stalled++
		log.Warnf("project %s stalled: %s (%s, heartbeat %s old)",
			p.Name, c.Type, c.Confidence, c.HeartbeatAge.Round(time.Second))

		key := counterKey{Project: p.Name, Stall: c.Type}
		action := plan.Plan(c, m.counters[key], m.config().MaxRestartAttempts)
		outcome := m.dispatch(ctx, action, key, result)

		result.Actions = append(result.Actions, ActionOutcome{
			Project:   p.Name,
			StallType: c.Type,
			Action:    action.Type,
			Outcome:   outcome,
		})
	}
	log.Infof("cycle done: %d checked, %d stalled, %d escalations",
		result.Checked, result.Stalled, result.Escalations)
	return result, nil
}

// classifyProject gathers the on-disk facts and runs the pure classifier.
// A broken state file is treated as no pending failures, per contract.
func (m *Monitor) classifyProject(p registry.Project) *classify.Classification {
	man, err := manifest.Load(manifest.PathFor(p.Path))
	if err != nil {
		log.Warnf("state file for %s unreadable, assuming no pending failures: %v", p.Name, err)
		man = &manifest.Manifest{}
	}

	pidAlive := false
	if p.OrchestratorPid != nil {
		pidAlive = m.alive(*p.OrchestratorPid)
	}

	tail, err := fsio.TailBytes(manifest.OutputLogPath(p.Path), outputTailBytes)
	if err != nil {
		log.Debugf("orchestrator log for %s unreadable: %v", p.Name, err)
	}

	return classify.Classify(p, classify.Inputs{
		Now:        m.now(),
		Pending:    man.Pending(),
		PidAlive:   pidAlive,
		OutputTail: tail,
		Question:   m.questionFn(),
	}, m.config().HeartbeatStale)
}

// dispatch performs one recovery action and writes its audit entry.
func (m *Monitor) dispatch(ctx context.Context, a plan.Action, key counterKey, result *CycleResult) string {
	var outcome string
	entry := auditlog.Entry{
		Project:   a.Project.Name,
		StallType: string(a.StallType),
		Action:    string(a.Type),
	}

	switch a.Type {
	case plan.ActionRestart, plan.ActionRestartWithPreamble:
		outcome = m.restart(a, key)
	case plan.ActionEscalate:
		outcome = m.escalate(ctx, a)
		result.Escalations++
	case plan.ActionDiagnose:
		var iv *intervene.Result
		outcome, iv = m.diagnose(ctx, a)
		if iv != nil {
			if iv.Escalated {
				result.Escalations++
			}
			if d := iv.Diagnosis; d != nil {
				entry.RootCause = d.RootCause
				entry.FixFile = d.TargetFile
				entry.CostUSD = d.CostUSD
				if iv.HotFix != nil {
					entry.CostUSD += iv.HotFix.CostUSD
				}
			}
			entry.RecalledMemoryIDs = iv.RecalledMemoryIDs
			entry.StoredMemoryID = iv.StoredMemoryID
		}
	}

	entry.Outcome = outcome
	if err := m.audit.Append(entry); err != nil {
		log.Errorf("failed to write intervention log for %s: %v", a.Project.Name, err)
	}
	return outcome
}

// restart kills the stale orchestrator and spawns a fresh one. The registry
// row is only touched after a successful spawn: a failed restart must leave
// the registry exactly as it was.
func (m *Monitor) restart(a plan.Action, key counterKey) string {
	m.counters[key]++

	p := a.Project
	if p.OrchestratorPid != nil {
		if err := m.kill(*p.OrchestratorPid, m.killGrace); err != nil {
			log.Warnf("stale orchestrator for %s did not stop cleanly: %v", p.Name, err)
		}
	}

	pid, err := m.spawn(m.config().OrchestratorCommand, p.Path, a.Type == plan.ActionRestartWithPreamble)
	if err != nil {
		log.Errorf("restart of %s failed: %v", p.Name, err)
		return fmt.Sprintf("restart_failed: %v", err)
	}

	if err := m.store.UpdateHeartbeat(p.Name, p.CurrentPhase, registry.StatusRunning, &pid, ""); err != nil {
		log.Errorf("registry update after restarting %s failed: %v", p.Name, err)
		return fmt.Sprintf("restarted (pid %d) but registry update failed: %v", pid, err)
	}
	return fmt.Sprintf("restarted (pid %d, attempt %d)", pid, m.counters[key])
}

// escalate notifies the human and marks the latest pending failure entry, if
// any, as escalated. Telegram failure never blocks the state update.
func (m *Monitor) escalate(ctx context.Context, a plan.Action) string {
	m.sendEscalation(ctx, a, a.Detail)

	if err := manifest.ResolveLatestPending(manifest.PathFor(a.Project.Path), manifest.ResolutionEscalated); err != nil {
		log.Errorf("failed to mark failure escalated for %s: %v", a.Project.Name, err)
	}
	return "escalated: " + a.Detail
}

// diagnose drives the interventor and, for a validated framework fix, the
// propagator. Every propagation outcome gets its own audit entry. An
// interventor error is itself an escalation: the human was notified, so the
// cycle result has to count it.
func (m *Monitor) diagnose(ctx context.Context, a plan.Action) (string, *intervene.Result) {
	p := a.Project
	res, err := m.interventor.Intervene(ctx, p)
	if err != nil {
		log.Errorf("intervention for %s failed: %v", p.Name, err)
		detail := fmt.Sprintf("intervention failed: %v", err)
		m.sendEscalation(ctx, a, detail)
		if rerr := manifest.ResolveLatestPending(manifest.PathFor(p.Path), manifest.ResolutionEscalated); rerr != nil {
			log.Errorf("failed to mark failure escalated for %s: %v", p.Name, rerr)
		}
		return fmt.Sprintf("intervention_error: %v", err), &intervene.Result{
			Escalated:  true,
			Resolution: manifest.ResolutionEscalated,
			Detail:     detail,
		}
	}

	if res.Resolution != "" {
		if err := manifest.ResolveLatestPending(manifest.PathFor(p.Path), res.Resolution); err != nil {
			log.Errorf("failed to update failure resolution for %s: %v", p.Name, err)
		}
	}

	if res.Escalated {
		m.sendEscalation(ctx, a, res.Detail)
		return "escalated: " + firstLine(res.Detail), res
	}

	// A short-circuit with no resolution means the failure vanished before the
	// intervention ran; the log must not claim a fix happened.
	outcome := "no_pending_failure"
	if res.Resolution == manifest.ResolutionAutoFixed {
		outcome = "auto_fixed"
		if hf := res.HotFix; hf != nil {
			outcome = fmt.Sprintf("auto_fixed: %s (%d lines)", hf.FileModified, hf.LinesChanged)
		}
	}

	if res.FrameworkFix {
		m.propagateFix(ctx, p.Name, res.ChangedRelPaths)
	}
	return outcome, res
}

// propagateFix recomputes the canonical framework version and pushes the
// changed files to every stale project except the one just fixed.
func (m *Monitor) propagateFix(ctx context.Context, fixedProject string, changedRelPaths []string) {
	version, err := m.versionFn(m.config().FrameworkDir)
	if err != nil {
		log.Errorf("cannot compute framework version, propagation skipped: %v", err)
		return
	}
	if err := m.store.BumpVersion(fixedProject, version); err != nil {
		log.Warnf("version bump for %s failed: %v", fixedProject, err)
	}

	prop, err := m.propagator.Propagate(ctx, changedRelPaths, version, map[string]bool{fixedProject: true})
	if err != nil {
		log.Errorf("propagation failed: %v", err)
		return
	}

	for _, pr := range prop.Projects {
		entry := auditlog.Entry{
			Project: pr.Project,
			Action:  "propagate",
			Outcome: string(pr.Outcome),
		}
		if pr.Detail != "" {
			entry.Outcome += ": " + pr.Detail
		}
		if err := m.audit.Append(entry); err != nil {
			log.Errorf("failed to log propagation outcome for %s: %v", pr.Project, err)
		}
	}
	log.Infof("framework fix propagated to %d project(s) (version %s)", prop.Updated(), version)
}

// sendEscalation delivers the full context the human needs to act without
// opening the registry: project, phase, stall type, and how many restarts
// were already burned.
func (m *Monitor) sendEscalation(ctx context.Context, a plan.Action, detail string) {
	p := a.Project
	phase := "-"
	if p.CurrentPhase != nil {
		phase = fmt.Sprintf("%d", *p.CurrentPhase)
	}
	meta := fmt.Sprintf("phase %s, stall %s, %d restart(s)", phase, a.StallType, a.RestartCount)

	if !m.notifier.Enabled() {
		log.Warnf("escalation for %s (telegram disabled): %s [%s]", p.Name, detail, meta)
		return
	}
	msg := fmt.Sprintf("<b>piv: %s needs attention</b>\n%s\n%s",
		notify.EscapeHTML(p.Name), notify.EscapeHTML(meta), notify.EscapeHTML(detail))
	if err := m.notifier.Send(ctx, msg); err != nil {
		log.Errorf("telegram escalation for %s failed: %v", p.Name, err)
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
