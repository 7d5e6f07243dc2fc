// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"

	"github.com/pivkit/piv/internal/config"
	"github.com/pivkit/piv/internal/registry"
)

type configKey struct{}

func withConfig(ctx context.Context, cfg *config.Config) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, configKey{}, cfg)
}

// configFrom returns the configuration resolved by the root command.
func configFrom(ctx context.Context) *config.Config {
	cfg, _ := ctx.Value(configKey{}).(*config.Config)
	if cfg == nil {
		cfg = config.Default(config.DefaultHome())
	}
	return cfg
}

func storeFor(cfg *config.Config) *registry.Store {
	return registry.NewStore(cfg.RegistryPath(), cfg.LockTimeout)
}
