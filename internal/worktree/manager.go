// Package worktree manages per-agent git worktrees on dedicated branches so
// concurrent agents never share a working tree.
package worktree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stagehand-dev/stagehand/internal/config"
	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/internal/models"
	"github.com/stagehand-dev/stagehand/internal/vcs"
)

// Manager handles git worktree lifecycle operations.
type Manager struct {
	git        *vcs.Git
	baseDir    string
	baseBranch string
	logger     zerolog.Logger
}

// NewManager creates a worktree manager.
func NewManager(cfg *config.Config, git *vcs.Git) *Manager {
	return &Manager{
		git:        git,
		baseDir:    cfg.WorktreesDir(),
		baseBranch: cfg.Global.BaseBranch,
		logger:     logging.Component("worktree"),
	}
}

// Create creates an isolated working copy for the named agent from the
// current head. The branch is derived deterministically as loop/<name>
// unless an explicit branch is given. Creating a worktree that already
// exists is a warn-level no-op.
func (m *Manager) Create(name, branch string) (*models.Worktree, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = models.BranchPrefix + name
	}
	branch = sanitizeBranch(branch)

	wt := &models.Worktree{
		Name:   name,
		Branch: branch,
		Path:   m.path(name),
	}

	if _, err := os.Stat(wt.Path); err == nil {
		m.logger.Warn().Str("name", name).Str("path", wt.Path).
			Msg("worktree already exists, skipping create")
		return wt, nil
	}

	if err := m.git.WorktreeAdd(wt.Path, branch); err != nil {
		return nil, fmt.Errorf("create worktree %s: %w", name, err)
	}

	m.logger.Info().Str("name", name).Str("branch", branch).Str("path", wt.Path).
		Msg("worktree created")
	return wt, nil
}

// Get returns the worktree for name, or models.ErrNotFound.
func (m *Manager) Get(name string) (*models.Worktree, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	path := m.path(name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("worktree %s: %w", name, models.ErrNotFound)
		}
		return nil, fmt.Errorf("stat worktree %s: %w", name, err)
	}
	return &models.Worktree{
		Name:   name,
		Branch: m.resolveBranch(name, path),
		Path:   path,
	}, nil
}

// resolveBranch asks git which branch a worktree has checked out, so a
// worktree created on an explicit branch is not misreported as loop/<name>.
// Falls back to the derived name when git cannot answer.
func (m *Manager) resolveBranch(name, path string) string {
	branch, err := m.git.CurrentBranch(path)
	branch = strings.TrimSpace(branch)
	if err != nil || branch == "" || branch == "HEAD" {
		return models.BranchPrefix + name
	}
	return branch
}

// List enumerates all worktrees, sorted by name.
func (m *Manager) List() ([]models.Worktree, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read worktrees dir: %w", err)
	}

	var worktrees []models.Worktree
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		worktrees = append(worktrees, models.Worktree{
			Name:   entry.Name(),
			Branch: m.resolveBranch(entry.Name(), m.path(entry.Name())),
			Path:   m.path(entry.Name()),
		})
	}
	sort.Slice(worktrees, func(i, j int) bool {
		return worktrees[i].Name < worktrees[j].Name
	})
	return worktrees, nil
}

// Sync merges the main line into the worktree's branch. Conflicts surface as
// models.ErrMergeConflict for manual resolution; sequencer state is untouched.
func (m *Manager) Sync(name string) error {
	wt, err := m.Get(name)
	if err != nil {
		return err
	}
	message := fmt.Sprintf("Merge %s into %s", m.baseBranch, wt.Branch)
	if err := m.git.Merge(wt.Path, m.baseBranch, message); err != nil {
		return fmt.Errorf("sync worktree %s: %w", name, err)
	}
	m.logger.Info().Str("name", name).Str("base", m.baseBranch).Msg("worktree synced")
	return nil
}

// Merge merges the worktree's branch back into the main line, checked out in
// the primary repository. Same conflict semantics as Sync.
func (m *Manager) Merge(name string) error {
	wt, err := m.Get(name)
	if err != nil {
		return err
	}
	message := fmt.Sprintf("Merge %s into %s", wt.Branch, m.baseBranch)
	if err := m.git.Merge(m.git.RepoPath(), wt.Branch, message); err != nil {
		return fmt.Errorf("merge worktree %s: %w", name, err)
	}
	m.logger.Info().Str("name", name).Str("base", m.baseBranch).Msg("worktree merged")
	return nil
}

// MergeAll merges every worktree's branch into the main line, stopping at
// the first conflict so partial results are never silently skipped.
// Branches merged before the conflict stay merged. Returns the names merged.
func (m *Manager) MergeAll() ([]string, error) {
	worktrees, err := m.List()
	if err != nil {
		return nil, err
	}

	var merged []string
	for _, wt := range worktrees {
		if err := m.Merge(wt.Name); err != nil {
			if errors.Is(err, models.ErrMergeConflict) {
				return merged, fmt.Errorf("merge-all stopped at %s: %w", wt.Name, err)
			}
			return merged, err
		}
		merged = append(merged, wt.Name)
	}
	return merged, nil
}

// Remove deletes the worktree and its branch.
func (m *Manager) Remove(name string) error {
	wt, err := m.Get(name)
	if err != nil {
		return err
	}

	if err := m.git.WorktreeRemove(wt.Path); err != nil {
		// The directory may remain if git lost track of the worktree.
		m.logger.Warn().Str("name", name).Err(err).Msg("git worktree remove failed, deleting directory")
		if rmErr := os.RemoveAll(wt.Path); rmErr != nil {
			return fmt.Errorf("remove worktree %s: %w", name, rmErr)
		}
	}

	if m.git.BranchExists(wt.Branch) {
		if err := m.git.DeleteBranch(wt.Branch); err != nil {
			return fmt.Errorf("delete branch %s: %w", wt.Branch, err)
		}
	}

	m.logger.Info().Str("name", name).Msg("worktree removed")
	return nil
}

// Cleanup removes every worktree and its branch.
func (m *Manager) Cleanup() error {
	worktrees, err := m.List()
	if err != nil {
		return err
	}
	for _, wt := range worktrees {
		if err := m.Remove(wt.Name); err != nil {
			return err
		}
	}
	return nil
}

// Status reports a worktree's divergence from the main line and whether its
// working tree is dirty.
func (m *Manager) Status(name string) (*models.WorktreeStatus, error) {
	wt, err := m.Get(name)
	if err != nil {
		return nil, err
	}

	status := &models.WorktreeStatus{Worktree: *wt}

	if ahead, behind, err := m.git.AheadBehind(wt.Branch, m.baseBranch); err == nil {
		status.Ahead = ahead
		status.Behind = behind
	}
	if dirty, err := m.git.IsDirty(wt.Path); err == nil {
		status.Dirty = dirty
	}
	return status, nil
}

// StatusAll reports status for every worktree.
func (m *Manager) StatusAll() ([]models.WorktreeStatus, error) {
	worktrees, err := m.List()
	if err != nil {
		return nil, err
	}
	statuses := make([]models.WorktreeStatus, 0, len(worktrees))
	for _, wt := range worktrees {
		status, err := m.Status(wt.Name)
		if err != nil {
			return statuses, err
		}
		statuses = append(statuses, *status)
	}
	return statuses, nil
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.baseDir, name)
}

var nonBranchChars = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)

// sanitizeBranch cleans up a branch name.
func sanitizeBranch(name string) string {
	s := nonBranchChars.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", models.ErrInvalidWorktreeName
	}
	if name != filepath.Base(name) {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidWorktreeName, name)
	}
	return name, nil
}
