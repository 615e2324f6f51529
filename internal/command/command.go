package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Runner executes external programs, either capturing their output or
// streaming it to the terminal.
type Runner struct {
	logger  *slog.Logger
	verbose bool

	// Stdout and Stderr receive the output of streamed commands.
	Stdout io.Writer
	Stderr io.Writer
}

// New creates a Runner. When verbose is set every command line is logged at
// info level instead of debug.
func New(logger *slog.Logger, verbose bool) *Runner {
	return &Runner{
		logger:  logger,
		verbose: verbose,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
}

// Verbose reports whether the runner echoes commands.
func (r *Runner) Verbose() bool {
	return r.verbose
}

// ExitError describes a command that could not be run or exited non-zero.
type ExitError struct {
	Args   []string
	Dir    string
	Code   int
	Stdout string
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "command `%s` failed", strings.Join(e.Args, " "))
	if e.Code >= 0 {
		fmt.Fprintf(b, " with exit code %d", e.Code)
	} else {
		fmt.Fprintf(b, ": %v", e.Err)
	}
	if e.Stdout != "" {
		fmt.Fprintf(b, "\nSTDOUT:\n%s", e.Stdout)
	}
	if e.Stderr != "" {
		fmt.Fprintf(b, "\nSTDERR:\n%s", e.Stderr)
	}
	return b.String()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns the exit code carried by err, or -1 when err does not
// describe an exited command.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

// Output runs name with args in dir and returns its stdout with surrounding
// whitespace trimmed.
func (r *Runner) Output(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := r.command(ctx, dir, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	if err != nil {
		return out, r.exitError(cmd, err, out, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Stream runs name with args in dir, connecting its stdout and stderr to the
// runner's writers.
func (r *Runner) Stream(ctx context.Context, dir, name string, args ...string) error {
	cmd := r.command(ctx, dir, name, args...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr

	if err := cmd.Run(); err != nil {
		return r.exitError(cmd, err, "", "")
	}
	return nil
}

func (r *Runner) command(ctx context.Context, dir, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	line := "+ " + strings.Join(cmd.Args, " ")
	if r.verbose {
		r.logger.Info(line, "dir", dir)
	} else {
		r.logger.Debug(line, "dir", dir)
	}
	return cmd
}

func (r *Runner) exitError(cmd *exec.Cmd, err error, stdout, stderr string) error {
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &ExitError{
		Args:   cmd.Args,
		Dir:    cmd.Dir,
		Code:   code,
		Stdout: stdout,
		Stderr: stderr,
		Err:    err,
	}
}
