package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
	defaultWaitDelay     = 2 * time.Second
)

// CommandConfig configures the command adapter.
type CommandConfig struct {
	Shell         string   // interpreter for shell mode, default /bin/sh
	MaxOutputSize int64    // per stream
	WaitDelay     time.Duration
	Env           []string // extra KEY=VALUE pairs for every command
}

// CommandAdapter runs shell commands. It captures stdout, stderr and the exit
// code; a non-zero exit is reported in the output, not as an error, so the
// step decides whether it is a failure. Cancellation kills the whole process
// group.
type CommandAdapter struct {
	cfg CommandConfig
}

// NewCommandAdapter creates a command adapter.
func NewCommandAdapter(cfg CommandConfig) *CommandAdapter {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	return &CommandAdapter{cfg: cfg}
}

func (a *CommandAdapter) Name() string { return CapabilityCommand }

// Invoke runs params.command. With params.shell (default true) the command
// text goes to the shell; otherwise command is the program and params.args
// its arguments.
func (a *CommandAdapter) Invoke(ctx context.Context, input Input) (*Output, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	command := stringParam(params, "command", "")
	if strings.TrimSpace(command) == "" {
		return nil, invalidInput(a.Name(), "missing required param 'command'")
	}
	args := stringSliceParam(params, "args")
	envMap := stringMapParam(params, "env")
	dir := stringParam(params, "dir", "")
	stdin := stringParam(params, "stdin", "")

	var cmd *exec.Cmd
	if boolParam(params, "shell", true) {
		full := command
		if len(args) > 0 {
			full = command + " " + strings.Join(args, " ")
		}
		cmd = exec.CommandContext(ctx, a.cfg.Shell, "-c", full)
	} else {
		cmd = exec.CommandContext(ctx, command, args...)
	}
	cmd.Dir = dir
	if len(envMap) > 0 || len(a.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), a.cfg.Env...)
		for k, v := range envMap {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	killProcessGroup(cmd)
	cmd.WaitDelay = a.cfg.WaitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: a.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: a.cfg.MaxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() != nil {
		return nil, Wrap(a.Name(), ctx.Err())
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// The program could not be started at all.
			return nil, Wrap(a.Name(), runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	stdoutRaw := stdoutBuf.String()
	var stdout any = stdoutRaw
	if stdoutBuf.Len() > 0 && json.Valid(stdoutBuf.Bytes()) {
		var parsed any
		if err := json.Unmarshal(stdoutBuf.Bytes(), &parsed); err == nil {
			stdout = parsed
		}
	}

	return &Output{Data: map[string]any{
		"stdout":      stdout,
		"stdout_raw":  stdoutRaw,
		"stderr":      stderrBuf.String(),
		"exit_code":   exitCode,
		"duration_ms": duration.Milliseconds(),
	}}, nil
}

// limitedWriter discards bytes beyond the limit. Write always reports the
// full length so the subprocess never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}

var _ Adapter = (*CommandAdapter)(nil)
