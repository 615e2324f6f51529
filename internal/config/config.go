package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is where `init` writes the config and where commands look for it.
	DefaultPath = "josh-sync.toml"
	// DefaultOrg is the GitHub organization of the subtree repository.
	DefaultOrg = "rust-lang"
	// DefaultUpstreamRepo is the monorepo the subtree is synchronized with.
	DefaultUpstreamRepo = "rust-lang/rust"
)

// Config represents a josh-sync configuration file
type Config struct {
	// Org and Repo name the standalone subtree repository on GitHub.
	Org  string `toml:"org" yaml:"org"`
	Repo string `toml:"repo" yaml:"repo"`
	// Path is the subtree location inside the upstream repository,
	// e.g. src/doc/rustc-dev-guide. Mutually exclusive with Filter.
	Path string `toml:"path,omitempty" yaml:"path,omitempty"`
	// Filter is a raw josh filter expression. Mutually exclusive with Path.
	Filter string `toml:"filter,omitempty" yaml:"filter,omitempty"`
	// UpstreamRepo is the owner/name of the monorepo.
	UpstreamRepo string `toml:"upstream-repo,omitempty" yaml:"upstream-repo,omitempty"`
	// AllowNoop keeps pulls whose merge has no net content change.
	AllowNoop bool `toml:"allow-noop,omitempty" yaml:"allow-noop,omitempty"`
	// LastUpstreamSHA embeds the sync marker in this file when present.
	LastUpstreamSHA *string `toml:"last-upstream-sha,omitempty" yaml:"last-upstream-sha,omitempty"`
	// PostPull runs after a successful pull.
	PostPull []PostPullOperation `toml:"post-pull,omitempty" yaml:"post-pull,omitempty"`
}

// PostPullOperation runs a command after a pull and, if it changed tracked
// files, commits the result.
type PostPullOperation struct {
	Cmd           []string `toml:"cmd" yaml:"cmd"`
	CommitMessage string   `toml:"commit-message" yaml:"commit-message"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot load config file from %s: %w", path, err)
	}

	cfg, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes, defaults and validates configuration data in the given
// format ("toml" or "yaml").
func Parse(data []byte, format string) (*Config, error) {
	var cfg Config
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot load config as YAML: %w", err)
		}
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot load config as TOML: %w", err)
		}
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Write serializes the config in the format implied by the file extension
func (c *Config) Write(path string) error {
	var (
		data []byte
		err  error
	)
	switch FormatOf(path) {
	case "yaml":
		data, err = yaml.Marshal(c)
	default:
		data, err = toml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("cannot serialize config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// FormatOf returns the config format implied by the extension of path
func FormatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}

// expandEnv expands environment variables in name and path fields.
// Filters are left alone since josh filter syntax may contain '$'.
func (c *Config) expandEnv() {
	c.Org = os.ExpandEnv(c.Org)
	c.Repo = os.ExpandEnv(c.Repo)
	c.Path = os.ExpandEnv(c.Path)
	c.UpstreamRepo = os.ExpandEnv(c.UpstreamRepo)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Org == "" {
		c.Org = DefaultOrg
	}
	if c.UpstreamRepo == "" {
		c.UpstreamRepo = DefaultUpstreamRepo
	}
	if c.LastUpstreamSHA != nil {
		sha := strings.TrimSpace(*c.LastUpstreamSHA)
		c.LastUpstreamSHA = &sha
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo == "" {
		return fmt.Errorf("repo is required")
	}
	if strings.Contains(c.Org, "/") || strings.Contains(c.Repo, "/") {
		return fmt.Errorf("org and repo must not contain '/': %s/%s", c.Org, c.Repo)
	}

	if c.Path != "" && c.Filter != "" {
		return fmt.Errorf("cannot specify both `path` and `filter`")
	}
	if c.Path == "" && c.Filter == "" {
		return fmt.Errorf("must specify one of `path` and `filter`")
	}
	if path.IsAbs(c.Path) {
		return fmt.Errorf("path must be relative to the upstream repository root: %s", c.Path)
	}

	owner, name, ok := strings.Cut(c.UpstreamRepo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("upstream-repo must have the form owner/name: %s", c.UpstreamRepo)
	}

	for i, op := range c.PostPull {
		if len(op.Cmd) == 0 || op.Cmd[0] == "" {
			return fmt.Errorf("post-pull[%d]: cmd must contain at least one argument", i)
		}
		if strings.TrimSpace(op.CommitMessage) == "" {
			return fmt.Errorf("post-pull[%d]: commit-message is required", i)
		}
	}

	return nil
}

// FullRepoName returns org/repo
func (c *Config) FullRepoName() string {
	return c.Org + "/" + c.Repo
}

// UpstreamName returns the name part of the upstream repository, e.g. "rust"
func (c *Config) UpstreamName() string {
	return path.Base(c.UpstreamRepo)
}

// JoshFilter returns the josh filter selecting the subtree
func (c *Config) JoshFilter() string {
	if c.Path != "" {
		return ":/" + strings.Trim(c.Path, "/")
	}
	return c.Filter
}

// Template returns the config written by `init`.
func Template() *Config {
	return &Config{
		Org:  DefaultOrg,
		Repo: "<repository-name>",
		Path: "<relative-subtree-path>",
	}
}
