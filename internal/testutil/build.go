package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

var errNotFound = errors.New("not found in any parent directory")

// FindProjectRoot returns the directory holding the module's go.mod, starting
// from this source file.
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}
	return findUp(filepath.Dir(filename), "go.mod")
}

func findUp(dir, name string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s: %w", name, errNotFound)
		}
		dir = parent
	}
}

// BuildBinary compiles the main package pkg, given relative to the project
// root, into out. Compiler output is copied to w.
func BuildBinary(ctx context.Context, pkg, out string, w io.Writer) error {
	root, err := FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", out, pkg)
	cmd.Dir = root
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build %s: %w", pkg, err)
	}
	return nil
}
