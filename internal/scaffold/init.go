// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package scaffold bootstraps a project: it copies the framework assets into
// a target directory, creates the .agents state skeleton, computes the
// framework version tag, and registers the project. Re-running init on an
// existing project refreshes the assets and version but preserves all
// accumulated state.
package scaffold

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	git "github.com/go-git/go-git/v6"
	log "github.com/sirupsen/logrus"

	"github.com/pivkit/piv/internal/fsio"
	"github.com/pivkit/piv/internal/manifest"
	"github.com/pivkit/piv/internal/registry"
)

// ErrTargetConflict means the target directory exists, is non-empty, is not
// an already-initialized project, and overwrite was not requested. The CLI
// maps it to its own exit code.
var ErrTargetConflict = errors.New("target directory exists and is not empty")

// assetDirName is the per-project mirror of the framework assets. Keeping
// the framework-relative layout under one directory lets propagation copy a
// changed file by its relative path alone.
const assetDirName = ".piv"

// Options configures one init run.
type Options struct {
	// TargetPath is the project directory to create or adopt.
	TargetPath string
	// Name is the registry key; defaults to the target directory's base name.
	Name string
	// FrameworkDir is the canonical asset source.
	FrameworkDir string
	// Overwrite permits initializing into a non-empty, unregistered directory.
	Overwrite bool
}

// InitResult reports what init did.
type InitResult struct {
	Name       string
	Path       string
	Version    string
	AssetCount int
	// Refreshed is true when the project was already registered and init only
	// updated its assets and version.
	Refreshed bool
}

// Init bootstraps or refreshes one project and registers it.
func Init(store *registry.Store, opts Options) (*InitResult, error) {
	target, err := filepath.Abs(opts.TargetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target path: %w", err)
	}
	name := opts.Name
	if name == "" {
		name = filepath.Base(target)
	}
	if opts.FrameworkDir == "" {
		return nil, fmt.Errorf("framework directory is not configured")
	}
	if info, err := os.Stat(opts.FrameworkDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("framework directory does not exist: %s", opts.FrameworkDir)
	}

	reg, err := store.Read()
	if err != nil {
		return nil, err
	}
	existing, refreshing := reg.FindByPath(target)
	if refreshing {
		name = existing.Name
	}

	if err := checkTarget(target, refreshing, opts.Overwrite); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create target directory: %w", err)
	}

	count, err := copyAssets(opts.FrameworkDir, filepath.Join(target, assetDirName))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(target, ".agents"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create .agents directory: %w", err)
	}
	if err := manifest.WriteSkeleton(manifest.PathFor(target)); err != nil {
		return nil, err
	}

	version, err := FrameworkVersion(opts.FrameworkDir)
	if err != nil {
		return nil, err
	}

	if refreshing {
		if err := store.BumpVersion(name, version); err != nil {
			return nil, err
		}
		log.Infof("refreshed %s at %s (version %s, %d assets)", name, target, version, count)
		return &InitResult{Name: name, Path: target, Version: version, AssetCount: count, Refreshed: true}, nil
	}

	err = store.Register(registry.Project{
		Name:               name,
		Path:               target,
		Status:             registry.StatusIdle,
		Heartbeat:          time.Now().UTC(),
		PivCommandsVersion: version,
		RegisteredAt:       time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	log.Infof("initialized %s at %s (version %s, %d assets)", name, target, version, count)
	return &InitResult{Name: name, Path: target, Version: version, AssetCount: count}, nil
}

// checkTarget rejects a non-empty target unless the project is already
// registered there or overwrite was requested.
func checkTarget(target string, refreshing, overwrite bool) error {
	if refreshing || overwrite {
		return nil
	}
	entries, err := os.ReadDir(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to inspect target directory: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s", ErrTargetConflict, target)
	}
	return nil
}

// copyAssets mirrors the framework tree into dst, skipping VCS metadata.
func copyAssets(frameworkDir, dst string) (int, error) {
	count := 0
	err := filepath.WalkDir(frameworkDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(frameworkDir, path)
		if err != nil {
			return err
		}
		if err := fsio.CopyFile(path, filepath.Join(dst, rel), 0o644); err != nil {
			return fmt.Errorf("failed to copy asset %s: %w", rel, err)
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, fmt.Errorf("framework directory contains no assets: %s", frameworkDir)
	}
	return count, nil
}

// FrameworkVersion tags the current framework state: the short HEAD SHA when
// the framework directory is a git repository, otherwise a digest of the
// asset set itself.
func FrameworkVersion(frameworkDir string) (string, error) {
	repo, err := git.PlainOpenWithOptions(frameworkDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err == nil {
		head, herr := repo.Head()
		if herr == nil {
			return head.Hash().String()[:7], nil
		}
		log.Debugf("framework repo has no HEAD, hashing assets instead: %v", herr)
	}
	return hashAssets(frameworkDir)
}

// hashAssets digests the sorted relative paths and contents of every asset.
func hashAssets(frameworkDir string) (string, error) {
	var rels []string
	err := filepath.WalkDir(frameworkDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(frameworkDir, path)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk framework directory: %w", err)
	}
	sort.Strings(rels)

	h := sha256.New()
	for _, rel := range rels {
		data, err := os.ReadFile(filepath.Join(frameworkDir, filepath.FromSlash(rel)))
		if err != nil {
			return "", fmt.Errorf("failed to hash asset %s: %w", rel, err)
		}
		fmt.Fprintf(h, "%s\n", rel)
		h.Write(data)
	}
	return strings.ToLower(fmt.Sprintf("%x", h.Sum(nil))[:12]), nil
}
