// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch re-reads the configuration whenever <home>/config.yaml changes and
// delivers the result to onChange. The watcher observes the directory rather
// than the file so atomic-rename writers are picked up. It returns once ctx
// is cancelled.
func Watch(ctx context.Context, home string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(home); err != nil {
		return err
	}

	target := filepath.Join(home, "config.yaml")

	// Editors and atomic writers fire several events per save; debounce them.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(250 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("config watcher error: %v", err)
		case <-pending:
			pending = nil
			cfg, err := Load(home)
			if err != nil {
				log.Errorf("config reload failed, keeping previous configuration: %v", err)
				continue
			}
			log.Info("configuration reloaded")
			onChange(cfg)
		}
	}
}
