package models

import "errors"

// Sentinel errors shared across components. Callers classify with errors.Is.
var (
	// ErrNotFound indicates no persisted record exists for the given key.
	// Recoverable: the caller decides whether to create fresh state.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt indicates a persisted record exists but cannot be parsed.
	// Treated as ErrNotFound by callers after logging, so a pipeline can
	// restart past a damaged snapshot.
	ErrCorrupt = errors.New("corrupt record")

	// ErrContended indicates a lock is held by a live holder.
	ErrContended = errors.New("lock contended")

	// ErrMergeConflict indicates a worktree merge or sync hit conflicts
	// that require manual resolution.
	ErrMergeConflict = errors.New("merge conflict")

	// Validation errors.
	ErrInvalidStageName    = errors.New("stage name is required")
	ErrInvalidResourceName = errors.New("resource name is required")
	ErrInvalidJobID        = errors.New("job id is required")
	ErrInvalidWorktreeName = errors.New("worktree name is required")
	ErrInvalidRunID        = errors.New("run id is required")
	ErrInvalidConsumerID   = errors.New("consumer id is required")
)
