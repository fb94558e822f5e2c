package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// maxOutput bounds how much combined output is kept per command; the tail is
// the useful part of a failing build.
const maxOutput = 64 * 1024

// Result is the outcome of a command that ran to completion.
type Result struct {
	Output   []byte
	ExitCode int
	Duration time.Duration
}

// Success reports whether the command exited with status zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner runs a shell command line inside a directory.
type Runner interface {
	Run(ctx context.Context, dir, command string) (Result, error)
}

// Shell runs command lines through `<path> -c`.
type Shell struct {
	path string
	log  zerolog.Logger
}

// New creates a Shell using the interpreter at path.
func New(path string, log zerolog.Logger) *Shell {
	if path == "" {
		path = "/bin/bash"
	}
	return &Shell{path: path, log: log}
}

// Run executes command in dir. A nonzero exit is reported through
// Result.ExitCode; the error is set only when the command could not be run
// or was cancelled.
func (s *Shell) Run(ctx context.Context, dir, command string) (Result, error) {
	s.log.Debug().Str("dir", dir).Str("command", command).Msg("running shell command")

	result, err := Exec(ctx, dir, s.path, "-c", command)
	if err != nil {
		return result, err
	}

	s.log.Debug().
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("shell command finished")
	return result, nil
}

// Exec runs name with args in dir and captures combined output.
func Exec(ctx context.Context, dir, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second

	out := &tailBuffer{limit: maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	result := Result{Output: out.Bytes(), Duration: time.Since(start)}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("%s interrupted: %w", name, ctxErr)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	default:
		return result, fmt.Errorf("failed to run %s: %w", name, err)
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.limit {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.limit:])
		return n, nil
	}
	if over := t.buf.Len() + len(p) - t.limit; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) Bytes() []byte {
	return bytes.Clone(t.buf.Bytes())
}
