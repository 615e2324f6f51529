package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/schaermu/josh-sync/internal/command"
	"github.com/schaermu/josh-sync/internal/config"
	"github.com/schaermu/josh-sync/internal/forge"
	"github.com/schaermu/josh-sync/internal/git"
	"github.com/schaermu/josh-sync/internal/state"
)

// DefaultStagingDir is where push clones the upstream repository when no
// checkout is supplied.
const DefaultStagingDir = "upstream-checkout"

// ProxyHandle is a running filtering proxy
type ProxyHandle interface {
	// GitURL returns the URL of repo filtered by filter, pinned to commit
	// unless commit is empty.
	GitURL(repo, commit, filter string) string
	Close() error
}

// Proxy starts filtering proxies
type Proxy interface {
	Start(ctx context.Context, org, repo string) (ProxyHandle, error)
}

// ProxyFunc adapts a function to the Proxy interface
type ProxyFunc func(ctx context.Context, org, repo string) (ProxyHandle, error)

func (f ProxyFunc) Start(ctx context.Context, org, repo string) (ProxyHandle, error) {
	return f(ctx, org, repo)
}

// Confirmer asks yes/no questions
type Confirmer interface {
	Confirm(question string, def bool) bool
}

type defaultAnswers struct{}

func (defaultAnswers) Confirm(_ string, def bool) bool { return def }

// Engine pulls upstream changes into the subtree repository and pushes
// local changes back to a fork of the upstream repository.
type Engine struct {
	cfg      *config.Config
	runner   *command.Runner
	repo     *git.Repo
	proxy    Proxy
	store    state.Store
	logger   *slog.Logger
	prompter Confirmer

	githubURL       string
	stagingCheckout string
	stagingDir      string
}

// Option customizes an Engine
type Option func(*Engine)

// WithRepoDir runs git in dir instead of the current directory
func WithRepoDir(dir string) Option {
	return func(e *Engine) { e.repo = git.NewRepo(e.runner, dir) }
}

// WithGitHubURL sets the base URL of upstream and fork repositories
func WithGitHubURL(url string) Option {
	return func(e *Engine) { e.githubURL = url }
}

// WithPrompter sets who answers interactive questions. Without one every
// question gets its default answer.
func WithPrompter(p Confirmer) Option {
	return func(e *Engine) { e.prompter = p }
}

// WithStagingCheckout makes push use an existing upstream checkout
func WithStagingCheckout(path string) Option {
	return func(e *Engine) { e.stagingCheckout = path }
}

// WithStagingDir sets where push clones upstream when no checkout is supplied
func WithStagingDir(path string) Option {
	return func(e *Engine) { e.stagingDir = path }
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, runner *command.Runner, proxy Proxy, store state.Store, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		runner:     runner,
		repo:       git.NewRepo(runner, "."),
		proxy:      proxy,
		store:      store,
		logger:     logger,
		prompter:   defaultAnswers{},
		githubURL:  forge.DefaultBaseURL,
		stagingDir: DefaultStagingDir,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// upstreamURL is the git remote of the upstream repository
func (e *Engine) upstreamURL() string {
	return forge.RepoURL(e.githubURL, e.cfg.UpstreamRepo)
}

// markerPathspec returns the marker location relative to the repository.
// Relative store paths are resolved against the working directory, the same
// way the store writes them.
func (e *Engine) markerPathspec() (string, error) {
	p, err := filepath.Abs(e.store.Path())
	if err != nil {
		return "", err
	}
	dir, err := filepath.Abs(e.repo.Dir())
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("marker %s is outside of the repository %s", p, dir)
	}
	return rel, nil
}
