// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pivkit/piv/internal/auditlog"
	"github.com/pivkit/piv/internal/config"
	"github.com/pivkit/piv/internal/intervene"
	"github.com/pivkit/piv/internal/logging"
	"github.com/pivkit/piv/internal/memory"
	"github.com/pivkit/piv/internal/monitor"
	"github.com/pivkit/piv/internal/notify"
	"github.com/pivkit/piv/internal/propagate"
	"github.com/pivkit/piv/internal/scaffold"
	"github.com/pivkit/piv/internal/session"
)

func newMonitorCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the supervision loop",
		Long: `Runs monitor cycles on the configured interval until interrupted.
With --once, runs exactly one cycle and exits; exit code 3 signals
that the cycle escalated at least one project to the human.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())
			if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
				return fmt.Errorf("failed to create piv home: %w", err)
			}

			store := storeFor(cfg)
			runner := session.NewCLIRunner(cfg.DriverBinary)
			mem := memory.New(cfg.MemoryBaseURL, cfg.MemoryToken, cfg.HTTPTimeout)
			tg := notify.New(cfg.TelegramToken, cfg.TelegramChatID, cfg.HTTPTimeout)
			audit := auditlog.New(cfg.LogPath(), cfg.LogJSONLPath())

			iv := intervene.New(cfg, runner, mem, store)
			prop := propagate.New(cfg, store)
			m := monitor.New(cfg, store, iv, prop, tg, audit, scaffold.FrameworkVersion)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if once {
				res, err := m.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Checked %d project(s): %d stalled, %d escalated\n",
					res.Checked, res.Stalled, res.Escalations)
				if res.Escalations > 0 {
					return &exitError{code: 3,
						err: fmt.Errorf("%d project(s) escalated to the operator", res.Escalations)}
				}
				return nil
			}

			go func() {
				err := config.Watch(ctx, cfg.Home, func(next *config.Config) {
					logging.SetDebug(next.Debug)
					m.SetConfig(next)
				})
				if err != nil {
					log.Warnf("config hot reload unavailable: %v", err)
				}
			}()

			return m.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}
