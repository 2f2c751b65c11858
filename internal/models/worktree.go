package models

// BranchPrefix is prepended to the agent name to derive a worktree branch.
// Deterministic derivation guarantees two worktrees never target the same
// branch.
const BranchPrefix = "loop/"

// Worktree is an isolated git working copy owned by a single agent.
type Worktree struct {
	Name   string `json:"name"`
	Branch string `json:"branch"`
	Path   string `json:"path"`
}

// WorktreeStatus reports a worktree's divergence from the main line.
type WorktreeStatus struct {
	Worktree

	// Ahead and Behind count commits relative to the main line.
	Ahead  int `json:"ahead"`
	Behind int `json:"behind"`

	// Dirty reports uncommitted changes in the working tree.
	Dirty bool `json:"dirty"`
}
