package state

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/schaermu/josh-sync/internal/config"
)

// DefaultMarkerPath is the standalone marker file written by `init`.
const DefaultMarkerPath = "rust-version"

// Store persists the last upstream commit that was pulled into the subtree.
type Store interface {
	// Load returns the recorded SHA, or "" before the first sync.
	Load() (string, error)
	// Save records sha.
	Save(sha string) error
	// Path is the tracked file holding the marker.
	Path() string
}

// ForConfig picks the embedded store when the config file carries
// last-upstream-sha, and the standalone marker file otherwise.
func ForConfig(cfg *config.Config, configPath, markerPath string) Store {
	if cfg.LastUpstreamSHA != nil {
		return NewConfigStore(configPath)
	}
	return NewFileStore(markerPath)
}

// FileStore keeps the marker in a file of its own
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

// Load reads the marker. A missing file means no sync happened yet.
func (s *FileStore) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("cannot load marker file %s: %w", s.path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileStore) Save(sha string) error {
	if err := os.WriteFile(s.path, []byte(sha+"\n"), 0644); err != nil {
		return fmt.Errorf("cannot write upstream SHA to %s: %w", s.path, err)
	}
	return nil
}

// ConfigStore keeps the marker as the last-upstream-sha key of the config
// file. Saving rewrites only that line so comments and layout survive.
type ConfigStore struct {
	path string
}

// NewConfigStore creates a store backed by the config file at path
func NewConfigStore(path string) *ConfigStore {
	return &ConfigStore{path: path}
}

func (s *ConfigStore) Path() string {
	return s.path
}

func (s *ConfigStore) Load() (string, error) {
	cfg, err := config.Load(s.path)
	if err != nil {
		return "", err
	}
	if cfg.LastUpstreamSHA == nil {
		return "", nil
	}
	return *cfg.LastUpstreamSHA, nil
}

// markerLine matches the last-upstream-sha key in either format, bare or
// quoted, keeping its indentation in the first group.
var markerLine = regexp.MustCompile(`(?m)^([ \t]*)(?:last-upstream-sha|"last-upstream-sha"|'last-upstream-sha')[ \t]*[=:].*$`)

func (s *ConfigStore) Save(sha string) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("cannot read config file %s: %w", s.path, err)
	}

	format := config.FormatOf(s.path)
	line := fmt.Sprintf("last-upstream-sha = %q", sha)
	if format == "yaml" {
		line = fmt.Sprintf("last-upstream-sha: %q", sha)
	}

	content := string(data)
	if markerLine.MatchString(content) {
		content = markerLine.ReplaceAllStringFunc(content, func(match string) string {
			return markerLine.FindStringSubmatch(match)[1] + line
		})
	} else {
		content = insertTopLevel(content, line)
	}

	// Never write a config that would no longer load.
	cfg, err := config.Parse([]byte(content), format)
	if err != nil {
		return fmt.Errorf("cannot update upstream SHA in %s: %w", s.path, err)
	}
	if cfg.LastUpstreamSHA == nil || *cfg.LastUpstreamSHA != sha {
		return fmt.Errorf("cannot update upstream SHA in %s: last-upstream-sha was not rewritten", s.path)
	}

	if err := os.WriteFile(s.path, []byte(content), 0644); err != nil {
		return fmt.Errorf("cannot write upstream SHA to %s: %w", s.path, err)
	}
	return nil
}

// insertTopLevel places line before the first TOML table header so the key
// stays at the document root. YAML documents have no headers and get it
// appended.
func insertTopLevel(content, line string) string {
	lines := strings.Split(content, "\n")
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "[") {
			out := append([]string{}, lines[:i]...)
			out = append(out, line)
			return strings.Join(append(out, lines[i:]...), "\n")
		}
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + line + "\n"
}
