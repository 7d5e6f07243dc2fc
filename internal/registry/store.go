// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/pivkit/piv/internal/fsio"
)

// ErrCorruptRegistry marks an unparseable registry file. The supervisor never
// repairs it automatically; rewriting the registry would destroy bootstrap
// state, so a human has to intervene.
var ErrCorruptRegistry = errors.New("registry file is corrupt")

// ErrLockTimeout marks a failed advisory-lock acquisition.
var ErrLockTimeout = errors.New("timed out acquiring registry lock")

// ErrNotRegistered marks an operation on an unknown project name.
var ErrNotRegistered = errors.New("project not registered")

// Store reads and writes the registry file.
type Store struct {
	path        string
	lockTimeout time.Duration
}

// NewStore returns a store for the registry file at path.
func NewStore(path string, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Store{path: path, lockTimeout: lockTimeout}
}

// Path returns the registry file location.
func (s *Store) Path() string { return s.path }

// Read loads the registry. An absent file yields an empty registry; malformed
// YAML yields ErrCorruptRegistry.
func (s *Store) Read() (*Registry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRegistry, err)
	}
	if r.Projects == nil {
		r.Projects = map[string]Project{}
	}
	return &r, nil
}

// Write persists the registry atomically (temp file, fsync, rename) and
// stamps UpdatedAt.
func (s *Store) Write(r *Registry) error {
	r.UpdatedAt = time.Now().UTC()

	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to serialize registry: %w", err)
	}
	return fsio.AtomicWrite(s.path, data, 0o644)
}

// mutate runs fn under the advisory file lock in a read-modify-write window.
// The lock covers the in-memory modify only; the rename itself is atomic and
// needs no lock.
func (s *Store) mutate(fn func(*Registry) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()

	lock := flock.New(s.path + ".lock")
	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil || !locked {
		return fmt.Errorf("%w: %s", ErrLockTimeout, s.path)
	}
	defer lock.Unlock()

	r, err := s.Read()
	if err != nil {
		return err
	}
	if err := fn(r); err != nil {
		return err
	}
	return s.Write(r)
}

// Register adds a project row. The name must be unique and the path must
// exist on disk.
func (s *Store) Register(p Project) error {
	if p.Name == "" {
		return fmt.Errorf("project name must not be empty")
	}
	if info, err := os.Stat(p.Path); err != nil || !info.IsDir() {
		return fmt.Errorf("project path does not exist: %s", p.Path)
	}

	return s.mutate(func(r *Registry) error {
		if existing, ok := r.Projects[p.Name]; ok && existing.Path != p.Path {
			return fmt.Errorf("project name %q already registered for %s", p.Name, existing.Path)
		}
		r.Projects[p.Name] = p
		return nil
	})
}

// Deregister removes a project row.
func (s *Store) Deregister(name string) error {
	return s.mutate(func(r *Registry) error {
		if _, ok := r.Projects[name]; !ok {
			return fmt.Errorf("%w: %s", ErrNotRegistered, name)
		}
		delete(r.Projects, name)
		return nil
	})
}

// UpdateHeartbeat refreshes a row's liveness fields. It is also the call the
// orchestrator side links against, so both writers share one locking
// discipline.
func (s *Store) UpdateHeartbeat(name string, phase *int, status Status, pid *int, version string) error {
	return s.mutate(func(r *Registry) error {
		p, ok := r.Projects[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotRegistered, name)
		}
		p.Heartbeat = time.Now().UTC()
		p.CurrentPhase = phase
		p.Status = status
		p.OrchestratorPid = pid
		if version != "" {
			p.PivCommandsVersion = version
		}
		r.Projects[name] = p
		return nil
	})
}

// BumpVersion sets a row's framework version tag.
func (s *Store) BumpVersion(name, version string) error {
	return s.mutate(func(r *Registry) error {
		p, ok := r.Projects[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotRegistered, name)
		}
		p.PivCommandsVersion = version
		r.Projects[name] = p
		return nil
	})
}
