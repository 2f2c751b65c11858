package sequencer

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
)

// DoneSentinel marks loop completion in free-text worker output. Workers
// that return structured results set WorkerResult.Done directly instead.
const DoneSentinel = "STAGEHAND_DONE"

// WorkerRequest carries one agent invocation: a textual prompt plus the
// working directory and environment the agent runs with. Side effects (file
// edits, commits) are observed afterward via the version-control state.
type WorkerRequest struct {
	Prompt  string
	WorkDir string
	Env     []string
}

// WorkerResult is what the worker hands back: free text plus the completion
// sentinel verdict.
type WorkerResult struct {
	Output string
	Done   bool
}

// WorkerFunc invokes the agent synchronously. It is the one operation
// expected to block for a long, variable duration; the sequencer has no
// partial-progress signal other than the heartbeat registry.
type WorkerFunc func(ctx context.Context, req WorkerRequest) (WorkerResult, error)

// ExecWorker returns a WorkerFunc that runs command with the prompt on
// stdin. The command's environment is the process environment extended with
// the request env. Exit code zero plus the done sentinel in output marks
// completion.
func ExecWorker(command []string) WorkerFunc {
	return func(ctx context.Context, req WorkerRequest) (WorkerResult, error) {
		if len(command) == 0 {
			return WorkerResult{}, os.ErrInvalid
		}

		cmd := exec.CommandContext(ctx, command[0], command[1:]...)
		cmd.Dir = req.WorkDir
		cmd.Stdin = strings.NewReader(req.Prompt)
		cmd.Env = append(os.Environ(), req.Env...)

		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out

		err := cmd.Run()
		output := out.String()
		result := WorkerResult{
			Output: output,
			Done:   err == nil && strings.Contains(output, DoneSentinel),
		}
		return result, err
	}
}
