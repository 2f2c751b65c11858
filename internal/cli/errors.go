// Package cli provides structured error output helpers.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/stagehand-dev/stagehand/internal/models"
	"github.com/stagehand-dev/stagehand/internal/sequencer"
)

// ErrorEnvelope is the JSON/JSONL error response shape.
type ErrorEnvelope struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload carries structured error details.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// ExitError carries an exit code and whether output was already printed.
type ExitError struct {
	Code    int
	Err     error
	Printed bool
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func handleCLIError(err error) error {
	if err == nil {
		return nil
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Printed {
			return exitErr
		}
		if exitErr.Err != nil {
			err = exitErr.Err
		}
	}

	exitCode := exitCodeFromError(err)
	if exitErr != nil && exitErr.Code != 0 {
		exitCode = exitErr.Code
	}

	if IsJSONOutput() || IsJSONLOutput() {
		code, hint := classifyError(err)
		_ = WriteOutput(os.Stdout, ErrorEnvelope{Error: ErrorPayload{
			Code:    code,
			Message: err.Error(),
			Hint:    hint,
		}})
	} else {
		fmt.Fprintln(os.Stderr, err.Error())
	}

	return &ExitError{
		Code:    exitCode,
		Err:     err,
		Printed: true,
	}
}

// exitCodeFromError maps substrate errors to process exit codes: missing and
// contended state exits 1, usage and validation errors exit 2.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code != 0 {
		return exitErr.Code
	}

	switch {
	case errors.Is(err, models.ErrInvalidStageName),
		errors.Is(err, models.ErrInvalidResourceName),
		errors.Is(err, models.ErrInvalidJobID),
		errors.Is(err, models.ErrInvalidWorktreeName),
		errors.Is(err, models.ErrInvalidRunID),
		errors.Is(err, models.ErrInvalidConsumerID):
		return 2
	}

	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "required") || strings.Contains(lower, "unknown flag") ||
		strings.Contains(lower, "accepts ") || strings.Contains(lower, "usage") {
		return 2
	}
	return 1
}

func classifyError(err error) (code, hint string) {
	var transition *sequencer.TransitionError
	var stageFailed *sequencer.StageFailedError

	switch {
	case errors.Is(err, models.ErrNotFound):
		return "ERR_NOT_FOUND", "check the id with the matching 'list' command"
	case errors.Is(err, models.ErrContended):
		return "ERR_CONTENDED", "wait for the holder to release or for its TTL to lapse"
	case errors.Is(err, models.ErrMergeConflict):
		return "ERR_MERGE_CONFLICT", "resolve the conflict in the worktree, then retry"
	case errors.Is(err, models.ErrCorrupt):
		return "ERR_CORRUPT", ""
	case errors.As(err, &transition):
		return "ERR_INVALID_TRANSITION", ""
	case errors.As(err, &stageFailed):
		return "ERR_STAGE_FAILED", ""
	case exitCodeFromError(err) == 2:
		return "ERR_INVALID", ""
	default:
		return "ERR_OPERATION_FAILED", ""
	}
}
