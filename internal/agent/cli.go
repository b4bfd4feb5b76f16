package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CLIRuntime spawns the agent binary as a local subprocess. The command
// template comes from configuration; the {prompt} placeholder is replaced
// with an @-reference to the prompt file.
type CLIRuntime struct {
	// Command is the agent binary followed by its argument template.
	Command []string
	Logger  *slog.Logger
}

// NewCLIRuntime builds a runtime from a command template.
func NewCLIRuntime(command []string, logger *slog.Logger) (*CLIRuntime, error) {
	if len(command) == 0 {
		return nil, errors.New("agent command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRuntime{Command: command, Logger: logger}, nil
}

// Execute runs the agent until it exits or the timeout fires. A fired
// deadline is not an error: the result comes back with TimedOut set so
// the caller can decide whether to retry. Only a failure to spawn at all
// is an error.
func (r *CLIRuntime) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	args := r.renderArgs(inv)

	execCtx := ctx
	var cancel context.CancelFunc
	if inv.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, args[0], args[1:]...)
	cmd.Dir = inv.WorkDir
	cmd.Env = append(os.Environ(), inv.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	setupProcessGroup(cmd)

	r.Logger.Debug("spawning agent", "cmd", args[0], "workdir", inv.WorkDir, "timeout", inv.Timeout)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning agent %s: %w", args[0], err)
	}
	waitErr := cmd.Wait()
	wall := time.Since(start)

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		WallTime: wall,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	// Only the per-run deadline counts as a timeout. A cancelled parent
	// context is a batch interrupt, which the caller handles differently.
	if waitErr != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		res.ExitCode = -1
		r.Logger.Warn("agent timed out", "after", inv.Timeout, "wall", wall)
	}

	parseStdout(res)
	return res, nil
}

// renderArgs substitutes the prompt and fills in the model and tool flags.
func (r *CLIRuntime) renderArgs(inv Invocation) []string {
	args := make([]string, 0, len(r.Command)+4)
	for _, a := range r.Command {
		if strings.Contains(a, "{prompt}") {
			a = strings.ReplaceAll(a, "{prompt}", "@"+inv.PromptPath)
		}
		args = append(args, a)
	}
	if inv.Model != "" && !contains(args, "--model") {
		args = append(args, "--model", inv.Model)
	}
	if len(inv.AllowedTools) > 0 && !contains(args, "--allowedTools") {
		args = append(args, "--allowedTools", strings.Join(inv.AllowedTools, ","))
	}
	return args
}

func contains(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}
