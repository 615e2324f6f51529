package git

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/schaermu/josh-sync/internal/command"
)

// ErrDirtyWorktree is returned when tracked files have staged or unstaged changes.
var ErrDirtyWorktree = errors.New("working directory must be clean")

// Repo runs git commands inside a working tree
type Repo struct {
	dir    string
	runner *command.Runner
}

// NewRepo creates a Repo rooted at dir
func NewRepo(runner *command.Runner, dir string) *Repo {
	return &Repo{dir: dir, runner: runner}
}

// Dir returns the working tree directory
func (r *Repo) Dir() string {
	return r.dir
}

// Run executes a git subcommand and returns its trimmed stdout
func (r *Repo) Run(ctx context.Context, args ...string) (string, error) {
	return r.runner.Output(ctx, r.dir, "git", args...)
}

// Stream executes a git subcommand with output connected to the terminal
func (r *Repo) Stream(ctx context.Context, args ...string) error {
	return r.runner.Stream(ctx, r.dir, "git", args...)
}

// HeadSHA returns the commit HEAD points to
func (r *Repo) HeadSHA(ctx context.Context) (string, error) {
	return r.RevParse(ctx, "HEAD")
}

// RevParse resolves rev to a commit SHA
func (r *Repo) RevParse(ctx context.Context, rev string) (string, error) {
	sha, err := r.Run(ctx, "rev-parse", rev)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", rev, err)
	}
	return sha, nil
}

// EnsureClean fails with ErrDirtyWorktree if tracked files have changes.
// Untracked files are ignored.
func (r *Repo) EnsureClean(ctx context.Context) error {
	out, err := r.Run(ctx, "status", "--untracked-files=no", "--porcelain")
	if err != nil {
		return fmt.Errorf("failed to determine working tree state: %w", err)
	}
	if out != "" {
		return ErrDirtyWorktree
	}
	return nil
}

// RootCommitCount counts the parentless commits reachable from HEAD
func (r *Repo) RootCommitCount(ctx context.Context) (int, error) {
	out, err := r.Run(ctx, "rev-list", "HEAD", "--max-parents=0", "--count")
	if err != nil {
		return 0, fmt.Errorf("failed to determine the number of root commits: %w", err)
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("failed to parse root commit count %q: %w", out, err)
	}
	return n, nil
}

// HasEmptyDiff reports whether the working tree has no tracked changes
// compared to baseline.
func (r *Repo) HasEmptyDiff(ctx context.Context, baseline string) (bool, error) {
	_, err := r.Run(ctx, "diff", "--quiet", "--exit-code", baseline)
	if err == nil {
		return true, nil
	}
	if command.ExitCode(err) == 1 {
		return false, nil
	}
	return false, fmt.Errorf("failed to diff against %s: %w", baseline, err)
}

// RemoteHead queries the commit HEAD points to in the remote at url without
// fetching any objects.
func (r *Repo) RemoteHead(ctx context.Context, url string) (string, error) {
	out, err := r.Run(ctx, "ls-remote", url, "HEAD")
	if err != nil {
		return "", fmt.Errorf("cannot fetch upstream commit: %w", err)
	}
	return ParseRemoteHead(out)
}

// ParseRemoteHead extracts the commit SHA from `git ls-remote <url> HEAD` output.
func ParseRemoteHead(out string) (string, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", fmt.Errorf("could not obtain upstream HEAD from remote: empty response")
	}
	sha := fields[0]
	if !plumbing.IsHash(sha) {
		return "", fmt.Errorf("could not obtain upstream HEAD from remote: unexpected response %q", out)
	}
	return sha, nil
}
