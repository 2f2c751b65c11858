// Package vcs is the thin adapter between stagehand and the git CLI. All
// version-control access goes through it so tests can substitute a fake
// runner and so VCS unavailability degrades gracefully instead of failing
// state writes.
package vcs

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/stagehand-dev/stagehand/internal/models"
)

// Runner executes git commands. Interface for testing.
type Runner interface {
	Run(dir string, args ...string) (string, error)
}

// ExecGit implements Runner using exec.Command.
type ExecGit struct{}

// Run executes git with the given args in dir and returns trimmed output.
func (g *ExecGit) Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := strings.TrimSpace(stdout.String() + stderr.String())
	if err != nil {
		return out, fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), out, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Git wraps a Runner with repository-scoped operations.
type Git struct {
	run      Runner
	repoPath string
}

// New creates a Git adapter rooted at repoPath.
func New(run Runner, repoPath string) *Git {
	return &Git{run: run, repoPath: repoPath}
}

// RepoPath returns the repository root this adapter operates on.
func (g *Git) RepoPath() string {
	return g.repoPath
}

// Head returns the current revision of the repository.
func (g *Git) Head() (string, error) {
	return g.run.Run(g.repoPath, "rev-parse", "HEAD")
}

// HeadOrUnknown returns the current revision, degrading to the sentinel
// "unknown" when the repository cannot be queried.
func (g *Git) HeadOrUnknown() string {
	rev, err := g.Head()
	if err != nil || rev == "" {
		return models.RevisionUnknown
	}
	return rev
}

// CurrentBranch returns the branch checked out in dir. A detached head
// reports "HEAD".
func (g *Git) CurrentBranch(dir string) (string, error) {
	return g.run.Run(dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(branch string) bool {
	_, err := g.run.Run(g.repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// DeleteBranch force-deletes a local branch.
func (g *Git) DeleteBranch(branch string) error {
	_, err := g.run.Run(g.repoPath, "branch", "-D", branch)
	return err
}

// WorktreeAdd creates a worktree at path on a new branch from the current head.
func (g *Git) WorktreeAdd(path, branch string) error {
	_, err := g.run.Run(g.repoPath, "worktree", "add", path, "-b", branch)
	if err != nil && strings.Contains(err.Error(), "already exists") {
		// Branch survived an earlier cleanup; reattach instead.
		_, err = g.run.Run(g.repoPath, "worktree", "add", path, branch)
	}
	return err
}

// WorktreeRemove removes a worktree, forcing past uncommitted changes.
func (g *Git) WorktreeRemove(path string) error {
	_, err := g.run.Run(g.repoPath, "worktree", "remove", "--force", path)
	return err
}

// Merge merges ref into the branch checked out in dir. Conflicts surface as
// models.ErrMergeConflict with the working tree left for manual resolution.
func (g *Git) Merge(dir, ref, message string) error {
	out, err := g.run.Run(dir, "merge", "--no-edit", "-m", message, ref)
	if err == nil {
		return nil
	}
	if isConflict(out) || isConflict(err.Error()) {
		return fmt.Errorf("merging %s into %s: %w", ref, dir, models.ErrMergeConflict)
	}
	return err
}

// IsDirty reports uncommitted changes in dir.
func (g *Git) IsDirty(dir string) (bool, error) {
	out, err := g.run.Run(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// AheadBehind counts commits on branch not on base, and vice versa.
func (g *Git) AheadBehind(branch, base string) (ahead, behind int, err error) {
	out, err := g.run.Run(g.repoPath, "rev-list", "--left-right", "--count",
		branch+"..."+base)
	if err != nil {
		return 0, 0, err
	}
	parts := strings.Fields(out)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", out)
	}
	ahead, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	behind, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return ahead, behind, nil
}

// ModifiedFiles lists files changed between ref and the working tree in dir.
func (g *Git) ModifiedFiles(dir, ref string) ([]string, error) {
	out, err := g.run.Run(dir, "diff", "--name-only", ref)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// IsRepo reports whether the adapter's path is inside a git work tree.
func (g *Git) IsRepo() (bool, error) {
	out, err := g.run.Run(g.repoPath, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return false, err
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return out == "true", nil
}

func isConflict(s string) bool {
	return strings.Contains(s, "CONFLICT") || strings.Contains(s, "Automatic merge failed")
}
