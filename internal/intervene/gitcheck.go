// Copyright 2026 The piv Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package intervene

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/utils/diff"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/pivkit/piv/internal/fsio"
)

// changeStats is what the supervisor verifies about the working copy after a
// fix session, independent of anything the session claimed.
type changeStats struct {
	// ChangedFiles are tracked files with staged or unstaged modifications,
	// repo-relative.
	ChangedFiles []string
	// LinesChanged is added+removed lines across all changed files.
	LinesChanged int
}

// inspectWorkingCopy opens the repository containing repoDir and reports
// which tracked files differ from HEAD and by how many lines. Untracked
// files do not count as changes, but a fix session creating new files would
// fail the one-file check anyway because its named target must be tracked.
func inspectWorkingCopy(repoDir string) (*changeStats, error) {
	repo, err := git.PlainOpenWithOptions(repoDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", repoDir, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read worktree status: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to load HEAD commit: %w", err)
	}

	stats := &changeStats{}
	for relPath, st := range status {
		if st.Worktree == git.Untracked {
			continue
		}
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		stats.ChangedFiles = append(stats.ChangedFiles, relPath)

		before, err := headContents(commit, relPath)
		if err != nil {
			return nil, err
		}
		after, err := workingContents(wt.Filesystem.Root(), relPath)
		if err != nil {
			return nil, err
		}
		stats.LinesChanged += countChangedLines(before, after)
	}

	return stats, nil
}

// revertFile restores a single file to its HEAD contents, discarding the
// uncommitted change. A file absent at HEAD is removed.
func revertFile(repoDir, relPath string) error {
	repo, err := git.PlainOpenWithOptions(repoDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return fmt.Errorf("failed to open repository at %s: %w", repoDir, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	root := wt.Filesystem.Root()

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return fmt.Errorf("failed to load HEAD commit: %w", err)
	}

	file, err := commit.File(relPath)
	if err == object.ErrFileNotFound {
		// The session created the file; reverting means removing it.
		if rmErr := os.Remove(filepath.Join(root, relPath)); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("failed to remove %s: %w", relPath, rmErr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s at HEAD: %w", relPath, err)
	}

	contents, err := file.Contents()
	if err != nil {
		return fmt.Errorf("failed to read blob for %s: %w", relPath, err)
	}
	return fsio.AtomicWrite(filepath.Join(root, relPath), []byte(contents), 0o644)
}

// repoRelative maps an absolute path to its path inside the repository that
// contains repoDir.
func repoRelative(repoDir, absPath string) (string, error) {
	repo, err := git.PlainOpenWithOptions(repoDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("failed to open repository at %s: %w", repoDir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	rel, err := filepath.Rel(wt.Filesystem.Root(), absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s is outside repository %s", absPath, repoDir)
	}
	return filepath.ToSlash(rel), nil
}

func headContents(commit *object.Commit, relPath string) (string, error) {
	file, err := commit.File(relPath)
	if err == object.ErrFileNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s at HEAD: %w", relPath, err)
	}
	return file.Contents()
}

func workingContents(root, relPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read working copy of %s: %w", relPath, err)
	}
	return string(data), nil
}

// countChangedLines counts added plus removed lines between two versions of
// a file, the same way go-git computes file stats for patches.
func countChangedLines(before, after string) int {
	changed := 0
	for _, d := range diff.Do(before, after) {
		if d.Type == diffmatchpatch.DiffEqual {
			continue
		}
		changed += countLines(d.Text)
	}
	return changed
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
