package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schaermu/josh-sync/internal/forge"
	"github.com/schaermu/josh-sync/internal/git"
)

// PushOptions controls a single push
type PushOptions struct {
	// Username owns the fork of the upstream repository.
	Username string
	// Branch is created on the fork and must not exist yet.
	Branch string
}

// PushResult describes a successful push
type PushResult struct {
	Base    string
	Head    string
	ForkURL string
}

// Push publishes the local history to a new branch of the user's fork of
// the upstream repository. The branch starts at the last pulled upstream
// commit so josh can map the subtree history onto it. Nothing in the local
// repository is modified.
func (e *Engine) Push(ctx context.Context, opts PushOptions) (*PushResult, error) {
	if err := e.repo.EnsureClean(ctx); err != nil {
		return nil, fmt.Errorf("failed to check working tree: %w", err)
	}

	base, err := e.store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load upstream base: %w", err)
	}
	if base == "" {
		return nil, ErrNoUpstreamBase
	}

	stagingDir, err := e.prepareStaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot prepare upstream checkout: %w", err)
	}
	staging := git.NewRepo(e.runner, stagingDir)

	handle, err := e.proxy.Start(ctx, e.cfg.Org, e.cfg.Repo)
	if err != nil {
		return nil, fmt.Errorf("cannot start josh-proxy: %w", err)
	}
	defer e.closeProxy(handle)

	fork := opts.Username + "/" + e.cfg.UpstreamName()
	joshURL := handle.GitURL(fork, "", e.cfg.JoshFilter())
	forkURL := forge.RepoURL(e.githubURL, fork)

	e.logger.Info("preparing fork branch", "fork", forkURL, "branch", opts.Branch, "base", base)

	if _, err := staging.Run(ctx, "fetch", forkURL, opts.Branch); err == nil {
		return nil, fmt.Errorf("the branch '%s' seems to already exist in '%s', please delete it and try again: %w",
			opts.Branch, forkURL, ErrBranchExists)
	}

	if _, err := staging.Run(ctx, "fetch", e.upstreamURL(), base); err != nil {
		return nil, fmt.Errorf("cannot download upstream base %s: %w", base, err)
	}
	if _, err := staging.Run(ctx, "push", forkURL, base+":refs/heads/"+opts.Branch); err != nil {
		return nil, fmt.Errorf("cannot push to your fork: %w", err)
	}

	e.logger.Info("pushing changes")
	if _, err := e.repo.Run(ctx, "push", joshURL, "HEAD:"+opts.Branch); err != nil {
		return nil, fmt.Errorf("failed to push through josh: %w", err)
	}

	if _, err := e.repo.Run(ctx, "fetch", joshURL, opts.Branch); err != nil {
		return nil, fmt.Errorf("failed to fetch pushed branch back through josh: %w", err)
	}
	head, err := e.repo.HeadSHA(ctx)
	if err != nil {
		return nil, err
	}
	fetched, err := e.repo.RevParse(ctx, "FETCH_HEAD")
	if err != nil {
		return nil, err
	}
	if head != fetched {
		return nil, &IntegrityError{
			Reason:   "josh created a non-roundtrip push, do NOT merge this upstream",
			Expected: head,
			Actual:   fetched,
		}
	}
	e.logger.Info("confirmed that the push round-trips back properly", "repo", e.cfg.Repo, "head", head)

	return &PushResult{Base: base, Head: head, ForkURL: forkURL}, nil
}

// prepareStaging returns a checkout of the full upstream history. A
// supplied checkout wins; otherwise the staging directory is used, cloning
// it first if the user agrees.
func (e *Engine) prepareStaging(ctx context.Context) (string, error) {
	if e.stagingCheckout != "" {
		info, err := os.Stat(e.stagingCheckout)
		if err != nil {
			return "", fmt.Errorf("upstream checkout %s: %w", e.stagingCheckout, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("upstream checkout path must be a directory: %s", e.stagingCheckout)
		}
		return e.stagingCheckout, nil
	}

	dir := e.stagingDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(e.repo.Dir(), dir)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return dir, nil
	}

	question := fmt.Sprintf("No upstream checkout was supplied and %s was not found. "+
		"Do you want to clone %s into it?", dir, e.cfg.UpstreamRepo)
	if !e.prompter.Confirm(question, true) {
		return "", ErrNoStagingCheckout
	}

	e.logger.Info("cloning upstream", "upstream", e.cfg.UpstreamRepo, "dest", dir)
	// Streamed so the clone progress is visible.
	if err := e.runner.Stream(ctx, e.repo.Dir(), "git", "clone", "--filter=blob:none", e.upstreamURL(), dir); err != nil {
		return "", fmt.Errorf("cannot clone %s: %w", e.cfg.UpstreamRepo, err)
	}
	return dir, nil
}
