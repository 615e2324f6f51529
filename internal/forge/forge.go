package forge

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"github.com/schaermu/josh-sync/internal/command"
)

const (
	// DefaultBaseURL is where upstream and fork repositories live.
	DefaultBaseURL = "https://github.com"
	// BaseURLEnv overrides DefaultBaseURL, e.g. for mirrors.
	BaseURLEnv = "JOSH_SYNC_GITHUB_URL"
)

// BaseURL returns the forge base URL without a trailing slash
func BaseURL() string {
	if v := strings.TrimSpace(os.Getenv(BaseURLEnv)); v != "" {
		return strings.TrimRight(v, "/")
	}
	return DefaultBaseURL
}

// RepoURL returns the clone URL of owner/name under base
func RepoURL(base, fullName string) string {
	return strings.TrimRight(base, "/") + "/" + fullName
}

// CompareURL links the upstream diff between two commits
func CompareURL(base, fullName, from, to string) string {
	return fmt.Sprintf("%s/compare/%s...%s", RepoURL(base, fullName), from, to)
}

// QuickPullURL opens the GitHub "create pull request" form for
// user:branch against upstream, prefilled with title and body.
func QuickPullURL(base, upstream, user, branch, title, body string) string {
	q := "quick_pull=1&title=" + url.QueryEscape(title) + "&body=" + url.QueryEscape(body)
	return fmt.Sprintf("%s/compare/%s:%s?%s", RepoURL(base, upstream), user, branch, q)
}

// SubtreeUpdateTitle is the pull request title used for pushes. The
// "subtree update" wording is recognized by upstream merge bots.
func SubtreeUpdateTitle(repo string) string {
	return repo + " subtree update"
}

// SubtreeUpdateBody is the pull request body used for pushes
func SubtreeUpdateBody(base, fullRepoName string) string {
	return fmt.Sprintf("Subtree update of %s.\n\nCreated using josh-sync.\n\nr? @ghost", RepoURL(base, fullRepoName))
}

// CreateOpts are the parameters for creating a pull request
type CreateOpts struct {
	Repo  string
	Title string
	Body  string
}

// GitHubCLI creates pull requests through the gh tool
type GitHubCLI struct {
	runner *command.Runner
}

// NewGitHubCLI creates a GitHubCLI running gh through runner
func NewGitHubCLI(runner *command.Runner) *GitHubCLI {
	return &GitHubCLI{runner: runner}
}

// Available reports whether gh is installed
func (g *GitHubCLI) Available() bool {
	_, err := exec.LookPath("gh")
	return err == nil
}

// CreatePR runs `gh pr create` interactively for the current branch
func (g *GitHubCLI) CreatePR(ctx context.Context, opts CreateOpts) error {
	err := g.runner.Stream(ctx, "", "gh",
		"pr", "create",
		"--title", opts.Title,
		"--body", opts.Body,
		"--repo", opts.Repo)
	if err != nil {
		return fmt.Errorf("gh pr create: %w", err)
	}
	return nil
}
