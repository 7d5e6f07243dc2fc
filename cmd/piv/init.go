// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pivkit/piv/internal/scaffold"
)

func newInitCmd() *cobra.Command {
	var name string
	var from string
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Bootstrap a project directory and register it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())
			if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
				return fmt.Errorf("failed to create piv home: %w", err)
			}

			frameworkDir := cfg.FrameworkDir
			if from != "" {
				frameworkDir = from
			}

			res, err := scaffold.Init(storeFor(cfg), scaffold.Options{
				TargetPath:   args[0],
				Name:         name,
				FrameworkDir: frameworkDir,
				Overwrite:    overwrite,
			})
			if err != nil {
				if errors.Is(err, scaffold.ErrTargetConflict) {
					return &exitError{code: 2, err: err}
				}
				return err
			}

			verb := "Initialized"
			if res.Refreshed {
				verb = "Refreshed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s at %s (framework %s, %d assets)\n",
				verb, res.Name, res.Path, res.Version, res.AssetCount)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "registry name (default: directory base name)")
	cmd.Flags().StringVar(&from, "from", "", "framework source directory (default: configured framework-dir)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "initialize into a non-empty directory")
	return cmd
}
