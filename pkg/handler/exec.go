package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// permanentExitCode is the exit status by which an external handler
// signals a non-retryable failure. Any other non-zero exit is transient.
const permanentExitCode = 2

// ExecHandler bridges a task kind to an external command, which is how
// the analysis handlers (Python, GPU-bound) plug into the Go worker. The
// payload is written to stdin, the result read from stdout, and task
// metadata passed through the environment (DECKFLOW_TASK_ID,
// DECKFLOW_TASK_KIND, DECKFLOW_SUBJECT_REF, DECKFLOW_PIPELINE_ID,
// DECKFLOW_ATTEMPT). Context cancellation kills the process.
type ExecHandler struct {
	// Command is the argv to execute.
	Command []string
}

// NewExecHandler creates an exec handler for the given argv.
func NewExecHandler(command []string) (*ExecHandler, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("exec handler needs a command")
	}
	return &ExecHandler{Command: command}, nil
}

// Handle implements Handler.
func (h *ExecHandler) Handle(ctx context.Context, req *Request) ([]byte, error) {
	cmd := exec.CommandContext(ctx, h.Command[0], h.Command[1:]...)
	cmd.Stdin = bytes.NewReader(req.Payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Env = append(cmd.Environ(),
		"DECKFLOW_TASK_ID="+strconv.FormatInt(req.TaskID, 10),
		"DECKFLOW_TASK_KIND="+req.Kind,
		"DECKFLOW_SUBJECT_REF="+req.SubjectRef,
		"DECKFLOW_PIPELINE_ID="+req.PipelineID,
		"DECKFLOW_ATTEMPT="+strconv.Itoa(req.Attempt),
	)

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = err.Error()
	}

	if ctx.Err() != nil {
		return nil, Transient("handler cancelled", ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == permanentExitCode {
		return nil, Permanent(msg, err)
	}
	return nil, Transient(msg, err)
}
