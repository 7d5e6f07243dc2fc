// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deregister <name>",
		Short: "Remove a project from the registry",
		Long: `Removes the registry row for a project. The project directory and its
.agents state are left untouched; any running orchestrator keeps running
but is no longer supervised.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())
			if err := storeFor(cfg).Deregister(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deregistered %s\n", args[0])
			return nil
		},
	}
}
