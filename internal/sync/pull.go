package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/schaermu/josh-sync/internal/config"
	"github.com/schaermu/josh-sync/internal/forge"
	"github.com/schaermu/josh-sync/internal/git"
)

// PullOptions controls a single pull
type PullOptions struct {
	// UpstreamCommit pulls this commit instead of the upstream HEAD.
	UpstreamCommit string
	// AllowNoop keeps merges that bring no content changes. The config
	// setting of the same name is honored as well.
	AllowNoop bool
}

// PullResult describes a successful pull
type PullResult struct {
	PreviousSHA  string
	UpstreamSHA  string
	IncomingSHA  string
	Head         string
	MergeMessage string
}

// Pull merges the filtered upstream history up to the target commit into
// the current branch.
//
// The marker is committed on its own before the merge so that a conflicted
// merge already carries the new marker. Every failure before the merge
// resets the branch to where it started. A failed merge is left in place.
func (e *Engine) Pull(ctx context.Context, opts PullOptions) (res *PullResult, err error) {
	target := opts.UpstreamCommit
	if target == "" {
		e.logger.Info("resolving upstream HEAD", "upstream", e.cfg.UpstreamRepo)
		target, err = e.repo.RemoteHead(ctx, e.upstreamURL())
		if err != nil {
			return nil, &PullError{Step: "resolve upstream commit", Err: err}
		}
	}

	if err := e.repo.EnsureClean(ctx); err != nil {
		return nil, &PullError{Step: "check working tree", Err: err}
	}

	prev, err := e.store.Load()
	if err != nil {
		return nil, &PullError{Step: "load previous upstream commit", Err: err}
	}
	origHead, err := e.repo.HeadSHA(ctx)
	if err != nil {
		return nil, &PullError{Step: "get current commit", Err: err}
	}

	e.logger.Info("pull plan",
		"previous_base", valueOr(prev, "<none>"),
		"new_base", target,
		"head", origHead)

	if prev != "" && prev == target {
		return nil, ErrNothingToPull
	}

	guard := git.NewGuard(e.repo, git.RevertTo(origHead), e.logger)
	defer func() {
		if rerr := guard.Release(context.WithoutCancel(ctx)); rerr != nil {
			res = nil
			err = errors.Join(err, rerr)
		}
	}()

	if err := e.commitMarker(ctx, target); err != nil {
		return nil, &PullError{Step: "create preparation commit", Err: err}
	}

	handle, err := e.proxy.Start(ctx, e.cfg.Org, e.cfg.Repo)
	if err != nil {
		return nil, &PullError{Step: "start josh-proxy", Err: err}
	}
	defer e.closeProxy(handle)

	joshURL := handle.GitURL(e.cfg.UpstreamRepo, target, e.cfg.JoshFilter())
	if _, err := e.repo.Run(ctx, "fetch", joshURL); err != nil {
		return nil, &PullError{Step: "fetch git state through josh", Err: err}
	}

	rootsBefore, err := e.repo.RootCommitCount(ctx)
	if err != nil {
		return nil, &PullError{Step: "count root commits", Err: err}
	}
	preMerge, err := e.repo.HeadSHA(ctx)
	if err != nil {
		return nil, &PullError{Step: "get current commit", Err: err}
	}
	incoming, err := e.repo.RevParse(ctx, "FETCH_HEAD")
	if err != nil {
		return nil, &PullError{Step: "resolve fetched commit", Err: err}
	}
	e.logger.Info("fetched filtered upstream", "incoming", incoming)

	msg := MergeMessage(e.cfg.UpstreamRepo, prev, target, incoming)

	// Stream the merge so the diff summary reaches the terminal.
	if err := e.repo.Stream(ctx, "merge", "FETCH_HEAD", "--no-verify", "--no-ff", "-m", msg); err != nil {
		guard.Disarm()
		return nil, &ConflictError{Err: err}
	}

	current, err := e.repo.HeadSHA(ctx)
	if err != nil {
		return nil, &PullError{Step: "get current commit", Err: err}
	}

	allowNoop := opts.AllowNoop || e.cfg.AllowNoop
	if !allowNoop {
		if current == preMerge {
			e.logger.Warn("no merge was performed, no changes to pull were found, rolling back")
			return nil, ErrNothingToPull
		}
		empty, err := e.repo.HasEmptyDiff(ctx, preMerge)
		if err != nil {
			return nil, &PullError{Step: "check merge diff", Err: err}
		}
		if empty {
			e.logger.Warn("only empty changes were pulled, rolling back")
			return nil, ErrNothingToPull
		}
	}
	e.logger.Info("pull finished", "head", current)

	for _, op := range e.cfg.PostPull {
		if err := e.runPostPull(ctx, op); err != nil {
			return nil, &PullError{Step: "run post-pull operation " + strings.Join(op.Cmd, " "), Err: err}
		}
	}

	guard.Disarm()

	rootsAfter, err := e.repo.RootCommitCount(ctx)
	if err != nil {
		return nil, &PullError{Step: "count root commits", Err: err}
	}
	if rootsAfter != rootsBefore {
		return nil, &IntegrityError{
			Reason:   "josh created a new root commit, this is probably not the history you want",
			Expected: strconv.Itoa(rootsBefore) + " root commits",
			Actual:   strconv.Itoa(rootsAfter),
		}
	}

	head, err := e.repo.HeadSHA(ctx)
	if err != nil {
		return nil, &PullError{Step: "get current commit", Err: err}
	}

	return &PullResult{
		PreviousSHA:  prev,
		UpstreamSHA:  target,
		IncomingSHA:  incoming,
		Head:         head,
		MergeMessage: msg,
	}, nil
}

// commitMarker records sha and commits only the marker, skipping hooks.
func (e *Engine) commitMarker(ctx context.Context, sha string) error {
	path, err := e.markerPathspec()
	if err != nil {
		return err
	}
	if err := e.store.Save(sha); err != nil {
		return err
	}

	// Needed on the first sync, when the marker is not tracked yet.
	if _, err := e.repo.Run(ctx, "add", path); err != nil {
		return err
	}
	_, err = e.repo.Run(ctx, "commit", path, "--no-verify", "-m", MarkerMessage(e.cfg.UpstreamRepo, sha))
	return err
}

// runPostPull runs op and commits whatever it changed in tracked files.
func (e *Engine) runPostPull(ctx context.Context, op config.PostPullOperation) error {
	head, err := e.repo.HeadSHA(ctx)
	if err != nil {
		return err
	}

	e.logger.Info("running post-pull operation", "cmd", strings.Join(op.Cmd, " "))
	if e.runner.Verbose() {
		err = e.runner.Stream(ctx, e.repo.Dir(), op.Cmd[0], op.Cmd[1:]...)
	} else {
		_, err = e.runner.Output(ctx, e.repo.Dir(), op.Cmd[0], op.Cmd[1:]...)
	}
	if err != nil {
		return err
	}

	empty, err := e.repo.HasEmptyDiff(ctx, head)
	if err != nil {
		return err
	}
	if empty {
		return nil
	}

	e.logger.Info("post-pull operation changed files, committing", "message", op.CommitMessage)
	if _, err := e.repo.Run(ctx, "add", "-u"); err != nil {
		return err
	}
	_, err = e.repo.Run(ctx, "commit", "-m", op.CommitMessage)
	return err
}

func (e *Engine) closeProxy(h ProxyHandle) {
	if err := h.Close(); err != nil {
		e.logger.Warn("failed to stop josh-proxy", "error", err)
	}
}

// MarkerMessage is the message of the commit that records a new upstream commit
func MarkerMessage(upstream, sha string) string {
	return fmt.Sprintf("Prepare for merging from %s\n\nThis updates the marker to %s.", upstream, sha)
}

// MergeMessage is the message of the merge commit created by a pull. prev
// is the previously recorded upstream commit and may be empty.
func MergeMessage(upstream, prev, sha, incoming string) string {
	return fmt.Sprintf(`Merge ref '%s' from %s

Pull recent changes from %s via Josh.

Upstream ref: %s
Filtered ref: %s
Upstream diff: %s

This merge was created using josh-sync.
`,
		shortSHA(sha), upstream,
		forge.RepoURL(forge.DefaultBaseURL, upstream),
		sha, incoming,
		forge.CompareURL(forge.DefaultBaseURL, upstream, valueOr(prev, sha), sha))
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
