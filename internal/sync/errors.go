package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrNothingToPull means upstream has no changes for the subtree. It is
	// not a failure.
	ErrNothingToPull = errors.New("nothing to pull")

	// ErrNoUpstreamBase means push was attempted before any pull recorded an
	// upstream commit.
	ErrNoUpstreamBase = errors.New("no upstream commit recorded, pull at least once before pushing")

	// ErrBranchExists means the push target branch is already on the fork.
	ErrBranchExists = errors.New("branch already exists")

	// ErrNoStagingCheckout means push has no upstream checkout to work in.
	ErrNoStagingCheckout = errors.New("cannot continue without an upstream checkout")
)

// PullError is a pull step that failed. Any local changes made by the pull
// have been rolled back.
type PullError struct {
	Step string
	Err  error
}

func (e *PullError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Step, e.Err)
}

func (e *PullError) Unwrap() error {
	return e.Err
}

// ConflictError means the merge did not complete. The repository is left
// mid-merge so the conflicts can be resolved by hand.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("the merge was unsuccessful (maybe there was a conflict?), "+
		"NOT rolling back the branch state so you can examine it manually; "+
		"after fixing the conflicts, `git add` the changes and run `git merge --continue`: %v", e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// IntegrityError means josh produced history that cannot be trusted. It is
// never repaired automatically.
type IntegrityError struct {
	Reason   string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Reason, e.Expected, e.Actual)
}
