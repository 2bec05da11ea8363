// Package worktree resolves session working directories and captures git
// state snapshots.
package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNotAWorktree indicates the path exists but is not a git work tree.
var ErrNotAWorktree = errors.New("path is not a git work tree")

// Resolve validates that a path exists, is a directory, and is a git work
// tree (a checkout or a linked worktree), and returns its absolute form.
func Resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve worktree path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("resolve worktree path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("worktree path %s: not a directory", abs)
	}
	// .git is a directory in a primary checkout and a file in a linked worktree
	if _, err := os.Stat(filepath.Join(abs, ".git")); err != nil {
		return "", fmt.Errorf("worktree path %s: %w", abs, ErrNotAWorktree)
	}
	return abs, nil
}

// Snapshot captures the current branch ref and commit SHA of a worktree.
// Used to record a task's git state at start.
func Snapshot(ctx context.Context, dir string) (ref, sha string, err error) {
	ref, err = gitOutput(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", "", fmt.Errorf("snapshot ref: %w", err)
	}
	sha, err = gitOutput(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", "", fmt.Errorf("snapshot sha: %w", err)
	}
	return ref, sha, nil
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
