//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/josh-sync/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the josh-sync binary once and runs it against scratch
// repositories.
type Harness struct {
	t      *testing.T
	binary string
	env    []string
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{
		t:      t,
		binary: filepath.Join(t.TempDir(), "josh-sync"),
	}
}

// Build compiles cmd/josh-sync into the harness directory
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	w := &testWriter{t: h.t, prefix: "[build] "}
	return testutil.BuildBinary(ctx, "./cmd/josh-sync", h.binary, w)
}

// Setenv adds an environment variable for every subsequent Run
func (h *Harness) Setenv(key, value string) {
	h.env = append(h.env, key+"="+value)
}

// Run executes the binary in dir
func (h *Harness) Run(ctx context.Context, dir string, args ...string) (string, string, int, error) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), h.env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes the binary and fails the test unless it exits with want
func (h *Harness) MustRun(ctx context.Context, want int, dir string, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, dir, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != want {
		h.t.Fatalf("josh-sync %v exited with %d, want %d\nstdout: %s\nstderr: %s",
			args, exitCode, want, stdout, stderr)
	}
	return stdout, stderr
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
