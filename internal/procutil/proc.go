// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package procutil wraps the process-level operations the supervisor needs:
// non-blocking liveness probes, detached orchestrator spawns, and best-effort
// kills. These are syscall-level by nature; no library in the corpus wraps
// them.
package procutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pivkit/piv/internal/manifest"
)

// Alive reports whether pid names a live process, using a signal-0 probe that
// never affects the target. EPERM means the process exists but belongs to
// another user, which still counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// SpawnOrchestrator starts a detached orchestrator for the project and
// returns its pid. The supervisor never waits on orchestrators; the child is
// placed in its own session and its output appends to the project's
// orchestrator log.
func SpawnOrchestrator(command, projectPath string, withPreamble bool) (int, error) {
	args := []string{"--project", projectPath}
	if withPreamble {
		args = append(args, "--autonomous-preamble")
	}

	logPath := manifest.OutputLogPath(projectPath)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create .agents directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open orchestrator log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(command, args...)
	cmd.Dir = projectPath
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to spawn orchestrator: %w", err)
	}

	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		log.Warnf("failed to release orchestrator process handle: %v", err)
	}
	return pid, nil
}

// Kill terminates pid: SIGTERM first, then SIGKILL once the grace period
// expires. A pid that is already gone is not an error.
func Kill(pid int, grace time.Duration) error {
	if !Alive(pid) {
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("failed to kill pid %d: %w", pid, err)
	}
	return nil
}

// WritePidFile records the supervisor's own pid for external tooling.
func WritePidFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// RemovePidFile deletes the supervisor pid file, tolerating its absence.
func RemovePidFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to remove pid file %s: %v", path, err)
	}
}
