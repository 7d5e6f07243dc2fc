// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package intervene

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/pivkit/piv/internal/config"
	"github.com/pivkit/piv/internal/manifest"
	"github.com/pivkit/piv/internal/memory"
	"github.com/pivkit/piv/internal/registry"
	"github.com/pivkit/piv/internal/session"
)

// readOnlyTools is the diagnosis allow-list; fixTools adds write and shell
// access for the fix session and its validation runs.
var (
	readOnlyTools = []string{"Read", "Glob", "Grep"}
	fixTools      = []string{"Read", "Glob", "Grep", "Edit", "Write", "Bash"}
)

// credentialPattern flags root causes only a human can resolve.
var credentialPattern = regexp.MustCompile(`(?i)\b(credential|api[ _-]?key|token|secret|password|auth|oauth|environment variable|env var)s?\b`)

// Interventor drives the diagnose-then-fix pipeline for one project at a
// time. It keeps per-cycle state: a (project, target file, category) that
// already failed this cycle is not retried until the next cycle.
type Interventor struct {
	cfg    *config.Config
	runner session.Runner
	mem    *memory.Client
	store  *registry.Store

	attempted map[string]bool
}

// New returns an interventor. The memory client may be disabled; the registry
// store is used for the cross-project framework-bug check.
func New(cfg *config.Config, runner session.Runner, mem *memory.Client, store *registry.Store) *Interventor {
	return &Interventor{
		cfg:       cfg,
		runner:    runner,
		mem:       mem,
		store:     store,
		attempted: make(map[string]bool),
	}
}

// ResetCycle clears the attempted-fix dedup set. The monitor calls it at the
// start of every cycle.
func (iv *Interventor) ResetCycle() {
	iv.attempted = make(map[string]bool)
}

// Intervene runs one full intervention for a project classified as an
// execution error. The returned Result is always non-nil; errors are reserved
// for conditions where not even an escalation verdict could be produced.
func (iv *Interventor) Intervene(ctx context.Context, project registry.Project) (*Result, error) {
	man, err := manifest.Load(manifest.PathFor(project.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to load project state: %w", err)
	}
	failure, ok := man.LatestPending()
	if !ok {
		// The orchestrator resolved it between classification and now. No
		// resolution is claimed: nothing here fixed anything.
		return &Result{Success: true,
			Detail: "no pending failure remained at intervention time"}, nil
	}

	recalled, recalledIDs := iv.recallPriorFixes(ctx, project, failure)

	diag, res := iv.diagnose(ctx, project, failure, recalled)
	if res != nil {
		res.RecalledMemoryIDs = recalledIDs
		return res, nil
	}

	diag.BugLocation = iv.recheckLocation(project, failure, diag)
	log.Infof("diagnosis for %s: %s in %s (%s confidence)",
		project.Name, diag.BugLocation, diag.TargetFile, diag.Confidence)

	if diag.BugLocation == LocationHuman {
		return escalated(diag,
			fmt.Sprintf("Action needed: %s", diag.RootCause), recalledIDs), nil
	}

	if gate := iv.fixGate(project, failure, diag); gate != "" {
		return escalated(diag, gate, recalledIDs), nil
	}
	iv.attempted[attemptKey(project.Name, diag.TargetFile, failure.Category)] = true

	repoDir := project.Path
	if diag.BugLocation == LocationFramework {
		repoDir = iv.cfg.FrameworkDir
	}

	hotfix := iv.applyFix(ctx, project, man, diag, repoDir)
	result := &Result{
		Diagnosis:         diag,
		HotFix:            hotfix,
		RecalledMemoryIDs: recalledIDs,
	}

	if !hotfix.Success {
		result.Escalated = true
		result.Resolution = manifest.ResolutionEscalated
		if hotfix.RevertPerformed {
			result.Resolution = manifest.ResolutionRolledBack
		}
		result.Detail = fmt.Sprintf("fix failed for %s: %s\n\nDiagnosis: %s\n\nValidation output:\n%s",
			diag.TargetFile, diag.RootCause, diag.Recommendation, truncateDetail(hotfix.ValidationOutput, 2000))
		return result, nil
	}

	result.Success = true
	result.Resolution = manifest.ResolutionAutoFixed
	if diag.BugLocation == LocationFramework {
		result.FrameworkFix = true
		result.ChangedRelPaths = []string{frameworkRel(iv.cfg.FrameworkDir, diag.TargetFile)}
	}
	result.StoredMemoryID = iv.storeFixRecord(ctx, project, failure, diag, hotfix)
	return result, nil
}

// recallPriorFixes issues the scoped and unscoped memory queries and merges
// the top results. Memory failures degrade to an empty block.
func (iv *Interventor) recallPriorFixes(ctx context.Context, project registry.Project, failure manifest.FailureEntry) (string, []string) {
	query := fmt.Sprintf("%s: %s", failure.Category, truncateDetail(failure.Details, 200))

	scoped, err := iv.mem.Search(ctx, query, memory.SearchOptions{
		ContainerTag: containerTag(project.Name),
		Filters:      map[string]any{"error_category": string(failure.Category)},
		Limit:        iv.cfg.MemorySearchLimit,
	})
	if err != nil {
		log.Debugf("scoped memory recall failed for %s: %v", project.Name, err)
	}

	unscoped, err := iv.mem.Search(ctx, query, memory.SearchOptions{
		Threshold: iv.cfg.MemorySearchThreshold,
		Limit:     iv.cfg.MemorySearchLimit,
	})
	if err != nil {
		log.Debugf("unscoped memory recall failed for %s: %v", project.Name, err)
	}

	seen := make(map[string]bool)
	var merged []memory.FixRecord
	for _, rec := range append(scoped, unscoped...) {
		if rec.ID != "" && seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		merged = append(merged, rec)
		if len(merged) >= iv.cfg.MemorySearchLimit {
			break
		}
	}

	var ids []string
	for _, rec := range merged {
		if rec.ID != "" {
			ids = append(ids, rec.ID)
		}
	}
	return priorFixesBlock(merged), ids
}

// diagnose runs the read-only session and parses its verdict. A non-nil
// Result means the pipeline terminates here with an escalation.
func (iv *Interventor) diagnose(ctx context.Context, project registry.Project, failure manifest.FailureEntry, priorFixes string) (*Diagnosis, *Result) {
	res, err := iv.runner.Run(ctx, session.Request{
		Prompt:       diagnosisPrompt(failure, iv.cfg.FrameworkDir, priorFixes),
		WorkDir:      project.Path,
		AllowedTools: readOnlyTools,
		Model:        iv.cfg.DriverModel,
		MaxTurns:     iv.cfg.DiagnosisMaxTurns,
		BudgetUSD:    iv.cfg.DiagnosisBudgetUSD,
		Timeout:      iv.cfg.InterventionTimeout,
	})
	if err != nil {
		return nil, escalated(nil, fmt.Sprintf("diagnosis session failed: %v", err), nil)
	}
	if !res.Succeeded() {
		// Budget or turn exhaustion during read-only analysis means the
		// failure is too deep for an unattended fix this cycle.
		return nil, escalated(nil,
			fmt.Sprintf("diagnosis ended with %s after %d turns ($%.4f); treating as human_required",
				res.Subtype, res.NumTurns, res.CostUSD), nil)
	}

	diag := parseDiagnosis(res.Output)
	if diag == nil {
		return nil, escalated(nil,
			"diagnosis produced unusable output: "+truncateDetail(res.Output, 500), nil)
	}
	diag.CostUSD = res.CostUSD
	diag.SessionID = res.SessionID
	return diag, nil
}

// recheckLocation re-derives the bug location from the diagnosis instead of
// trusting the session's claim. Order matters: credential causes always need
// a human, framework containment beats the cross-project heuristic, and an
// unknown location from the session is never acted on.
func (iv *Interventor) recheckLocation(project registry.Project, failure manifest.FailureEntry, d *Diagnosis) Location {
	if credentialPattern.MatchString(d.RootCause) || credentialPattern.MatchString(d.Recommendation) {
		return LocationHuman
	}
	if iv.cfg.FrameworkDir != "" && pathWithin(iv.cfg.FrameworkDir, d.TargetFile) {
		return LocationFramework
	}
	if iv.crossProjectPattern(failure) {
		d.Confidence = "high"
		return LocationFramework
	}
	if pathWithin(project.Path, d.TargetFile) {
		return LocationProject
	}
	switch d.BugLocation {
	case LocationFramework, LocationProject, LocationAmbiguous:
		return LocationAmbiguous
	default:
		return LocationHuman
	}
}

// crossProjectPattern reports whether at least two registered projects saw
// the same failure category at the same phase within the last 24 hours. That
// spread is strong evidence of a framework bug even when the diagnosed file
// looks project-local.
func (iv *Interventor) crossProjectPattern(failure manifest.FailureEntry) bool {
	reg, err := iv.store.Read()
	if err != nil {
		log.Debugf("cross-project check skipped, registry unreadable: %v", err)
		return false
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	affected := 0
	for _, p := range reg.Projects {
		man, err := manifest.Load(manifest.PathFor(p.Path))
		if err != nil {
			continue
		}
		for _, f := range man.Failures {
			if f.Category == failure.Category && f.Phase == failure.Phase && f.Timestamp.After(cutoff) {
				affected++
				break
			}
		}
	}
	return affected >= 2
}

// fixGate returns an escalation reason when the diagnosis does not justify an
// unattended fix, or "" to proceed.
func (iv *Interventor) fixGate(project registry.Project, failure manifest.FailureEntry, d *Diagnosis) string {
	switch {
	case d.TargetFile == "":
		return "diagnosis named no target file: " + d.RootCause
	case d.Recommendation == "":
		return "diagnosis gave no testable recommended change: " + d.RootCause
	case d.EstimatedLines <= 0 || d.EstimatedLines > 30:
		return fmt.Sprintf("recommended change estimated at %d lines exceeds the 30-line hot-fix bound: %s",
			d.EstimatedLines, d.RootCause)
	case iv.attempted[attemptKey(project.Name, d.TargetFile, failure.Category)]:
		return fmt.Sprintf("fix for %s (%s) already failed this cycle", d.TargetFile, failure.Category)
	}
	return ""
}

// applyFix runs the write session and then validates its work independently:
// exactly the diagnosed file changed, at most 30 lines, and the project's
// type-check and test commands pass. Any miss reverts the file.
func (iv *Interventor) applyFix(ctx context.Context, project registry.Project, man *manifest.Manifest, d *Diagnosis, repoDir string) *HotFixResult {
	hf := &HotFixResult{FileModified: d.TargetFile}

	typecheckCmd := iv.cfg.TypecheckCommand
	if man.Commands.Typecheck != "" {
		typecheckCmd = man.Commands.Typecheck
	}
	testCmd := iv.cfg.TestCommand
	if man.Commands.Test != "" {
		testCmd = man.Commands.Test
	}

	res, err := iv.runner.Run(ctx, session.Request{
		Prompt:       fixPrompt(d, typecheckCmd, testCmd),
		WorkDir:      project.Path,
		AllowedTools: fixTools,
		Model:        iv.cfg.DriverModel,
		MaxTurns:     iv.cfg.FixMaxTurns,
		BudgetUSD:    iv.cfg.FixBudgetUSD,
		Timeout:      iv.cfg.InterventionTimeout,
	})
	if err != nil {
		hf.ValidationOutput = fmt.Sprintf("fix session failed: %v", err)
		iv.revert(repoDir, d.TargetFile, hf)
		return hf
	}
	hf.CostUSD = res.CostUSD
	if !res.Succeeded() {
		hf.ValidationOutput = fmt.Sprintf("fix session ended with %s after %d turns", res.Subtype, res.NumTurns)
		iv.revert(repoDir, d.TargetFile, hf)
		return hf
	}

	relPath, err := repoRelative(repoDir, d.TargetFile)
	if err != nil {
		hf.ValidationOutput = err.Error()
		iv.revert(repoDir, d.TargetFile, hf)
		return hf
	}

	stats, err := inspectWorkingCopy(repoDir)
	if err != nil {
		hf.ValidationOutput = fmt.Sprintf("working-copy inspection failed: %v", err)
		iv.revert(repoDir, d.TargetFile, hf)
		return hf
	}
	hf.LinesChanged = stats.LinesChanged

	if len(stats.ChangedFiles) != 1 || stats.ChangedFiles[0] != relPath {
		hf.ValidationOutput = fmt.Sprintf("expected exactly one change in %s, found %v", relPath, stats.ChangedFiles)
		iv.revertAll(repoDir, stats.ChangedFiles, hf)
		return hf
	}
	if stats.LinesChanged > 30 {
		hf.ValidationOutput = fmt.Sprintf("diff of %d lines exceeds the 30-line bound", stats.LinesChanged)
		iv.revert(repoDir, d.TargetFile, hf)
		return hf
	}

	for _, cmdline := range []string{typecheckCmd, testCmd} {
		out, err := runValidation(ctx, project.Path, cmdline)
		hf.ValidationOutput += out
		if err != nil {
			hf.ValidationOutput += fmt.Sprintf("\n%q failed: %v\n", cmdline, err)
			iv.revert(repoDir, d.TargetFile, hf)
			return hf
		}
	}

	hf.Success = true
	hf.ValidationPassed = true
	return hf
}

func (iv *Interventor) revert(repoDir, targetFile string, hf *HotFixResult) {
	rel, err := repoRelative(repoDir, targetFile)
	if err != nil {
		log.Errorf("cannot revert %s: %v", targetFile, err)
		return
	}
	iv.revertAll(repoDir, []string{rel}, hf)
}

func (iv *Interventor) revertAll(repoDir string, relPaths []string, hf *HotFixResult) {
	for _, rel := range relPaths {
		if err := revertFile(repoDir, rel); err != nil {
			log.Errorf("revert of %s failed: %v", rel, err)
			continue
		}
		hf.RevertPerformed = true
	}
}

// storeFixRecord persists the validated fix for future recall. Best-effort.
func (iv *Interventor) storeFixRecord(ctx context.Context, project registry.Project, failure manifest.FailureEntry, d *Diagnosis, hf *HotFixResult) string {
	content := fmt.Sprintf("Fixed %s at phase %d in %s.\nRoot cause: %s\nChange: %s (%d lines in %s)",
		failure.Category, failure.Phase, project.Name,
		d.RootCause, d.Recommendation, hf.LinesChanged, d.TargetFile)

	id, err := iv.mem.Store(ctx, memory.FixRecord{
		CustomID:     "fix-" + uuid.NewString(),
		ContainerTag: containerTag(project.Name),
		Content:      content,
		Metadata: map[string]any{
			"error_category": string(failure.Category),
			"phase":          failure.Phase,
			"bug_location":   string(d.BugLocation),
			"target_file":    d.TargetFile,
		},
	})
	if err != nil {
		log.Warnf("fix record for %s not stored: %v", project.Name, err)
		return ""
	}
	return id
}

// parseDiagnosis extracts the structured verdict from the session output. The
// driver sometimes wraps the JSON in prose; the outermost braces are taken.
func parseDiagnosis(output string) *Diagnosis {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return nil
	}
	body := output[start : end+1]
	if !gjson.Valid(body) {
		return nil
	}

	loc := gjson.Get(body, "bug_location").String()
	if loc == "" {
		return nil
	}
	return &Diagnosis{
		BugLocation:    Location(loc),
		RootCause:      gjson.Get(body, "root_cause").String(),
		TargetFile:     gjson.Get(body, "target_file").String(),
		LineStart:      int(gjson.Get(body, "line_start").Int()),
		LineEnd:        int(gjson.Get(body, "line_end").Int()),
		Recommendation: gjson.Get(body, "recommended_change").String(),
		EstimatedLines: int(gjson.Get(body, "estimated_lines").Int()),
		Confidence:     gjson.Get(body, "confidence").String(),
	}
}

// runValidation executes one project validation command through the shell.
func runValidation(ctx context.Context, dir, cmdline string) (string, error) {
	if strings.TrimSpace(cmdline) == "" {
		return "", nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func containerTag(projectName string) string {
	return "piv-" + projectName
}

func attemptKey(project, targetFile string, category manifest.ErrorCategory) string {
	return project + "|" + filepath.Clean(targetFile) + "|" + string(category)
}

// frameworkRel maps an absolute target path to its path under the framework
// directory. The framework dir may itself live inside a larger repository, so
// the git worktree-relative path is not usable here: propagation joins this
// path onto each project's asset mirror.
func frameworkRel(frameworkDir, absPath string) string {
	rel, err := filepath.Rel(filepath.Clean(frameworkDir), filepath.Clean(absPath))
	if err != nil {
		return filepath.ToSlash(absPath)
	}
	return filepath.ToSlash(rel)
}

func pathWithin(dir, path string) bool {
	if dir == "" || path == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
