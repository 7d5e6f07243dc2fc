// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pivkit/piv/internal/classify"
	"github.com/pivkit/piv/internal/fsio"
	"github.com/pivkit/piv/internal/manifest"
	"github.com/pivkit/piv/internal/procutil"
	"github.com/pivkit/piv/internal/registry"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show registered projects, heartbeat ages, and stall verdicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())
			reg, err := storeFor(cfg).Read()
			if err != nil {
				return err
			}
			if len(reg.Projects) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No projects registered.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS\tPHASE\tHEARTBEAT\tPID\tVERSION\tVERDICT")
			for _, name := range reg.Names() {
				p := reg.Projects[name]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					p.Name, p.Status, phaseString(p),
					heartbeatAge(p.Heartbeat), pidString(p),
					p.PivCommandsVersion, verdict(cfg.HeartbeatStale, p))
			}
			return w.Flush()
		},
	}
}

func phaseString(p registry.Project) string {
	if p.CurrentPhase == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *p.CurrentPhase)
}

func pidString(p registry.Project) string {
	if p.OrchestratorPid == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *p.OrchestratorPid)
}

func heartbeatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

// verdict runs the stall classifier on the live row so status shows the same
// judgment the next monitor cycle would make.
func verdict(staleAfter time.Duration, p registry.Project) string {
	if p.Status != registry.StatusRunning {
		return "-"
	}

	man, err := manifest.Load(manifest.PathFor(p.Path))
	if err != nil {
		man = &manifest.Manifest{}
	}
	pidAlive := false
	if p.OrchestratorPid != nil {
		pidAlive = procutil.Alive(*p.OrchestratorPid)
	}
	tail, _ := fsio.TailBytes(manifest.OutputLogPath(p.Path), 2048)

	c := classify.Classify(p, classify.Inputs{
		Now:        time.Now(),
		Pending:    man.Pending(),
		PidAlive:   pidAlive,
		OutputTail: tail,
	}, staleAfter)
	if c == nil {
		return "healthy"
	}
	return string(c.Type)
}
