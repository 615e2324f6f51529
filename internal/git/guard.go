package git

import (
	"context"
	"fmt"
	"log/slog"
)

// Target is the state a Guard restores when released while armed.
type Target struct {
	sha string
}

// RevertTo restores HEAD, index and working tree to sha.
func RevertTo(sha string) Target {
	return Target{sha: sha}
}

// UndoLastCommit drops exactly one commit from the current branch.
var UndoLastCommit = Target{}

func (t Target) rev() string {
	if t.sha == "" {
		return "HEAD~1"
	}
	return t.sha
}

func (t Target) String() string {
	if t.sha == "" {
		return "the previous commit"
	}
	return t.sha
}

// RollbackError means a guard could not restore its target. The repository is
// in an unknown state and nothing else should be attempted.
type RollbackError struct {
	Target Target
	Err    error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("cannot reset current branch to %s, repository state is ambiguous: %v", e.Target, e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}

// Guard resets the repository to its target on Release unless disarmed.
// Callers defer Release right after creating the guard so that every exit
// path, including early error returns, restores the target.
type Guard struct {
	repo   *Repo
	target Target
	armed  bool
	logger *slog.Logger
}

// NewGuard creates an armed guard
func NewGuard(repo *Repo, target Target, logger *slog.Logger) *Guard {
	return &Guard{
		repo:   repo,
		target: target,
		armed:  true,
		logger: logger,
	}
}

// Disarm lets the guard go without reverting
func (g *Guard) Disarm() {
	g.armed = false
}

// Armed reports whether Release would revert
func (g *Guard) Armed() bool {
	return g.armed
}

// Release performs the revert if the guard is still armed. A guard reverts
// at most once.
func (g *Guard) Release(ctx context.Context) error {
	if !g.armed {
		return nil
	}
	g.armed = false

	g.logger.Warn("reverting HEAD", "target", g.target.String())
	if _, err := g.repo.Run(ctx, "reset", "--hard", g.target.rev()); err != nil {
		return &RollbackError{Target: g.target, Err: err}
	}
	return nil
}
