package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/josh-sync/internal/command"
	"github.com/schaermu/josh-sync/internal/config"
	"github.com/schaermu/josh-sync/internal/forge"
	"github.com/schaermu/josh-sync/internal/git"
	"github.com/schaermu/josh-sync/internal/josh"
	"github.com/schaermu/josh-sync/internal/prompt"
	"github.com/schaermu/josh-sync/internal/state"
	"github.com/schaermu/josh-sync/internal/sync"
)

// upstreamCheckoutEnv names an existing upstream checkout used by push.
const upstreamCheckoutEnv = "JOSH_SYNC_UPSTREAM_GIT"

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	verbose   bool

	// Command flags
	markerPath     string
	upstreamCommit string
	allowNoop      bool
	noPR           bool
	installProxy   bool
	embedded       bool
)

func main() {
	err := rootCmd.Execute()
	if err != nil {
		printError(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps command errors to the process exit status. A failed
// rollback always wins since the repository needs attention.
func exitCode(err error) int {
	var rollbackErr *git.RollbackError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &rollbackErr):
		return 1
	case errors.Is(err, sync.ErrNothingToPull):
		return 2
	default:
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:   "josh-sync",
	Short: "Synchronize a subtree repository with its upstream monorepo through josh",
	Long: `josh-sync keeps a standalone repository in sync with the subtree of a
monorepo it mirrors.

It pulls upstream history touching the subtree into the standalone repository,
and pushes local history back to a branch of a fork of the monorepo. Both
directions go through a locally started josh-proxy that filters the monorepo
down to the subtree.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file and an empty marker file",
	Long: `Init writes a template josh-sync.toml and an empty marker file recording the
last pulled upstream commit. Files that already exist are left alone.

With --embedded the marker is kept as last-upstream-sha in the config file
instead.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull upstream changes into this repository",
	Long: `Pull fetches the upstream history of the subtree through josh and merges it
into the current branch, after committing the new upstream commit to the marker.

Exits with status 2 when there is nothing to pull.`,
	Args: cobra.NoArgs,
	RunE: runPull,
}

var pushCmd = &cobra.Command{
	Use:   "push <branch> <username>",
	Short: "Push local changes to a branch of your upstream fork",
	Long: `Push creates <branch> on <username>'s fork of the upstream repository,
starting at the last pulled upstream commit, and pushes the local history onto
it through josh. The push is verified by fetching it back.

An upstream checkout is needed to prepare the branch. Set ` + upstreamCheckoutEnv + `
to use an existing one, otherwise one is cloned into ` + sync.DefaultStagingDir + `.`,
	Args: cobra.ExactArgs(2),
	RunE: runPush,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "josh-sync %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
		fmt.Fprintf(out, "  josh:   %s\n", josh.Version)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print every executed command")

	initCmd.Flags().BoolVar(&embedded, "embedded", false, "keep the marker in the config file")
	initCmd.Flags().StringVar(&markerPath, "marker-path", state.DefaultMarkerPath, "marker file")

	pullCmd.Flags().StringVar(&markerPath, "marker-path", state.DefaultMarkerPath, "marker file")
	pullCmd.Flags().StringVar(&upstreamCommit, "upstream-commit", "", "pull this upstream commit instead of upstream HEAD")
	pullCmd.Flags().BoolVar(&allowNoop, "allow-noop", false, "keep merges without content changes")
	pullCmd.Flags().BoolVar(&noPR, "no-pr", false, "do not offer to open a pull request")
	pullCmd.Flags().BoolVar(&installProxy, "install-proxy", false, "install or update josh-proxy before starting it")

	pushCmd.Flags().StringVar(&markerPath, "marker-path", state.DefaultMarkerPath, "marker file")
	pushCmd.Flags().BoolVar(&installProxy, "install-proxy", false, "install or update josh-proxy before starting it")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(versionCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if _, err := os.Stat(cfgFile); err == nil {
		fmt.Fprintf(out, "%s already exists, not doing anything with it\n", cfgFile)
	} else {
		cfg := config.Template()
		if embedded {
			empty := ""
			cfg.LastUpstreamSHA = &empty
		}
		if err := cfg.Write(cfgFile); err != nil {
			return err
		}
		fmt.Fprintf(out, "Created config file at %s\n", cfgFile)
	}

	if embedded {
		return nil
	}
	if _, err := os.Stat(markerPath); err == nil {
		fmt.Fprintf(out, "%s already exists, not doing anything with it\n", markerPath)
		return nil
	}
	if err := os.WriteFile(markerPath, nil, 0644); err != nil {
		return fmt.Errorf("cannot write marker file: %w", err)
	}
	fmt.Fprintf(out, "Created empty marker file at %s\n", markerPath)
	return nil
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, store, err := loadContext(logger)
	if err != nil {
		return err
	}

	runner := command.New(logger, verbose)
	prompter := prompt.New()
	engine := sync.NewEngine(cfg, runner, proxyFor(runner, prompter, logger), store, logger,
		sync.WithGitHubURL(forge.BaseURL()),
		sync.WithPrompter(prompter))

	res, err := engine.Pull(ctx, sync.PullOptions{
		UpstreamCommit: upstreamCommit,
		AllowNoop:      allowNoop,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Current HEAD is %s\n", okStyle.Render("Pull finished!"), res.Head)

	if !noPR && maybeCreatePR(ctx, runner, prompter, cfg, res, logger) {
		return nil
	}
	fmt.Fprintf(out, "Now push the current branch to %s (either a fork or the main repo) and create a PR\n", cfg.FullRepoName())
	return nil
}

// maybeCreatePR offers to open the pull request with gh. It reports
// whether a pull request was created.
func maybeCreatePR(ctx context.Context, runner *command.Runner, prompter *prompt.Prompter, cfg *config.Config, res *sync.PullResult, logger *slog.Logger) bool {
	gh := forge.NewGitHubCLI(runner)
	if !gh.Available() || !prompter.Confirm("Do you want to create a pull PR using the `gh` tool?", false) {
		return false
	}

	err := gh.CreatePR(ctx, forge.CreateOpts{
		Repo:  cfg.FullRepoName(),
		Title: cfg.UpstreamName() + " pull update",
		Body:  res.MergeMessage,
	})
	if err != nil {
		logger.Warn("failed to create pull request", "error", err)
		return false
	}
	return true
}

func runPush(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	branch, username := args[0], args[1]
	logger := setupLogger()

	cfg, store, err := loadContext(logger)
	if err != nil {
		return err
	}

	runner := command.New(logger, verbose)
	prompter := prompt.New()
	opts := []sync.Option{
		sync.WithGitHubURL(forge.BaseURL()),
		sync.WithPrompter(prompter),
	}
	if checkout := os.Getenv(upstreamCheckoutEnv); checkout != "" {
		opts = append(opts, sync.WithStagingCheckout(checkout))
	}
	engine := sync.NewEngine(cfg, runner, proxyFor(runner, prompter, logger), store, logger, opts...)

	res, err := engine.Push(ctx, sync.PushOptions{Username: username, Branch: branch})
	if err != nil {
		return fmt.Errorf("cannot perform push: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Pushed %s to %s (base %s).\n",
		okStyle.Render("Push round-trips properly."), res.Head, branch, res.Base)

	base := forge.BaseURL()
	url := forge.QuickPullURL(base, cfg.UpstreamRepo, username, branch,
		forge.SubtreeUpdateTitle(cfg.Repo),
		forge.SubtreeUpdateBody(base, cfg.FullRepoName()))
	fmt.Fprintf(out, "You can create the %s PR using the following URL:\n%s\n", cfg.UpstreamRepo, url)
	return nil
}

// proxyFor returns a proxy that locates josh-proxy lazily, so commands that
// finish before touching josh never require it to be installed.
func proxyFor(runner *command.Runner, prompter *prompt.Prompter, logger *slog.Logger) sync.Proxy {
	return sync.ProxyFunc(func(ctx context.Context, org, repo string) (sync.ProxyHandle, error) {
		path, err := findProxy(ctx, runner, prompter, logger)
		if err != nil {
			return nil, err
		}
		running, err := josh.NewProxy(path, logger, josh.WithRemote(forge.BaseURL())).Start(ctx, org, repo)
		if err != nil {
			return nil, err
		}
		return running, nil
	})
}

func findProxy(ctx context.Context, runner *command.Runner, prompter *prompt.Prompter, logger *slog.Logger) (string, error) {
	if installProxy {
		logger.Info("installing josh-proxy", "version", josh.Version)
		return josh.Install(ctx, runner)
	}

	path, err := josh.Locate()
	if err == nil {
		return path, nil
	}
	if !prompter.Confirm("josh-proxy not found. Do you want to install it?", prompt.IsCI()) {
		return "", fmt.Errorf("%w, install it or pass --install-proxy", err)
	}
	return josh.Install(ctx, runner)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// stdout carries the instructions for the user
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// loadContext loads the config and the marker store it implies
func loadContext(logger *slog.Logger) (*config.Config, state.Store, error) {
	logger.Debug("loading configuration", "path", cfgFile)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot load config, run the `init` command to initialize it: %w", err)
	}

	store := state.ForConfig(cfg, cfgFile, markerPath)
	logger.Debug("configuration loaded",
		"repo", cfg.FullRepoName(),
		"upstream", cfg.UpstreamRepo,
		"filter", cfg.JoshFilter(),
		"marker", store.Path())

	return cfg, store, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}

func printError(w io.Writer, err error) {
	var rollbackErr *git.RollbackError
	if errors.Is(err, sync.ErrNothingToPull) && !errors.As(err, &rollbackErr) {
		fmt.Fprintln(w, warnStyle.Render("Nothing to pull"))
		return
	}
	fmt.Fprintf(w, "%s %v\n", errStyle.Render("error:"), err)
}
