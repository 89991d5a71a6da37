package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// Subprocess spawns one external worker process per call. The request is
// written as JSON to stdin, the result read as JSON from stdout; the
// process is killed when the call context expires.
type Subprocess struct {
	Command []string
}

func (s *Subprocess) Invoke(ctx context.Context, req Request) (Result, error) {
	if len(s.Command) == 0 {
		return Result{}, fmt.Errorf("subprocess command not configured")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal agent request: %w", err)
	}
	args := append(append([]string{}, s.Command[1:]...),
		"--task", req.TaskID, "--mode", req.Mode, "--correlation-id", req.CorrelationID)
	cmd := exec.CommandContext(ctx, s.Command[0], args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, fmt.Errorf("agent process: %w (stderr: %s)", err, stderr.String())
	}
	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return Result{}, fmt.Errorf("decode agent output: %w", err)
	}
	return res, nil
}
