// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the piv binary: a supervisor for fleets of
// autonomous orchestrator processes. It bootstraps projects, watches their
// heartbeats, recovers stalls, and escalates what it cannot fix.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pivkit/piv/internal/buildinfo"
	"github.com/pivkit/piv/internal/config"
	"github.com/pivkit/piv/internal/logging"
)

// exitError carries a specific process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := rootCmd().Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(code)
	}
}

func rootCmd() *cobra.Command {
	var home string
	var debug bool

	cmd := &cobra.Command{
		Use:     "piv",
		Short:   "Supervisor for autonomous development orchestrators",
		Version: fmt.Sprintf("%s (commit %s, built %s)", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate),
		Long: `piv watches a fleet of autonomous orchestrator processes, detects
stalled projects via registry heartbeats, restarts or diagnoses them,
propagates framework fixes across projects, and escalates to a human
over Telegram when automation runs out.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup()
			if home == "" {
				home = config.DefaultHome()
			}
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			if debug {
				cfg.Debug = true
			}
			logging.SetDebug(cfg.Debug)
			if cfg.LoggingToFile {
				logging.ConfigureOutput(true, cfg.LogDir())
			}
			cmd.SetContext(withConfig(cmd.Context(), cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&home, "home", "", "piv state directory (default $PIV_HOME or ~/.piv)")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		newInitCmd(),
		newStatusCmd(),
		newMonitorCmd(),
		newDeregisterCmd(),
	)
	return cmd
}
