package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/josh-sync/internal/config"
)

func TestFileStore_MissingFile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "rust-version"))

	sha, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sha != "" {
		t.Errorf("expected empty marker, got %q", sha)
	}
}

func TestFileStore_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rust-version")
	s := NewFileStore(path)

	if err := s.Save("bbb222"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "bbb222\n" {
		t.Errorf("file contents = %q", data)
	}

	sha, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sha != "bbb222" {
		t.Errorf("Load = %q, want bbb222", sha)
	}
	if s.Path() != path {
		t.Errorf("Path = %q, want %q", s.Path(), path)
	}
}

func TestFileStore_TrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rust-version")
	if err := os.WriteFile(path, []byte("\n  aaa111 \n\n"), 0644); err != nil {
		t.Fatal(err)
	}

	sha, err := NewFileStore(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sha != "aaa111" {
		t.Errorf("Load = %q, want aaa111", sha)
	}
}

func TestConfigStore_ReplacesExistingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "josh-sync.toml")
	content := `# subtree config
org = "rust-lang"
repo = "miri"
path = "src/tools/miri"
last-upstream-sha = 'aaa111'

[[post-pull]]
cmd = ["true"]
commit-message = "noop"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s := NewConfigStore(path)
	sha, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sha != "aaa111" {
		t.Fatalf("Load = %q, want aaa111", sha)
	}

	if err := s.Save("bbb222"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	sha, err = s.Load()
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if sha != "bbb222" {
		t.Errorf("Load = %q, want bbb222", sha)
	}

	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), "# subtree config\n") {
		t.Errorf("comments were not preserved:\n%s", data)
	}
	if strings.Count(string(data), "last-upstream-sha") != 1 {
		t.Errorf("expected exactly one marker key:\n%s", data)
	}
}

func TestConfigStore_InsertsBeforeTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "josh-sync.toml")
	content := "repo = \"miri\"\npath = \"src/tools/miri\"\n\n[[post-pull]]\ncmd = [\"true\"]\ncommit-message = \"noop\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s := NewConfigStore(path)
	if err := s.Save("ccc333"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config no longer loads: %v", err)
	}
	if cfg.LastUpstreamSHA == nil || *cfg.LastUpstreamSHA != "ccc333" {
		t.Errorf("marker = %v, want ccc333", cfg.LastUpstreamSHA)
	}
	if len(cfg.PostPull) != 1 {
		t.Errorf("post-pull entries lost: %+v", cfg.PostPull)
	}
}

func TestConfigStore_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "josh-sync.yaml")
	if err := os.WriteFile(path, []byte("repo: miri\npath: src/tools/miri\nlast-upstream-sha: \"\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	s := NewConfigStore(path)
	if sha, err := s.Load(); err != nil || sha != "" {
		t.Fatalf("Load = %q, %v", sha, err)
	}
	if err := s.Save("ddd444"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if sha, err := s.Load(); err != nil || sha != "ddd444" {
		t.Errorf("Load = %q, %v; want ddd444", sha, err)
	}
}

// saveAndReload saves sha into the config at path and checks that the file
// still loads with exactly one marker key.
func saveAndReload(t *testing.T, path, sha string) string {
	t.Helper()

	if err := NewConfigStore(path).Save(sha); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "last-upstream-sha"); n != 1 {
		t.Fatalf("expected exactly one marker key, found %d:\n%s", n, data)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config no longer loads: %v\n%s", err, data)
	}
	if cfg.LastUpstreamSHA == nil || *cfg.LastUpstreamSHA != sha {
		t.Fatalf("marker = %v, want %s", cfg.LastUpstreamSHA, sha)
	}
	return string(data)
}

func TestConfigStore_QuotedKey(t *testing.T) {
	for _, tc := range []struct {
		name    string
		file    string
		content string
	}{
		{name: "toml double quotes", file: "josh-sync.toml", content: "repo = \"miri\"\npath = \"src/tools/miri\"\n\"last-upstream-sha\" = \"aaa111\"\n"},
		{name: "toml single quotes", file: "josh-sync.toml", content: "repo = \"miri\"\npath = \"src/tools/miri\"\n'last-upstream-sha' = \"aaa111\"\n"},
		{name: "yaml double quotes", file: "josh-sync.yaml", content: "repo: miri\npath: src/tools/miri\n\"last-upstream-sha\": aaa111\n"},
		{name: "yaml single quotes", file: "josh-sync.yml", content: "repo: miri\npath: src/tools/miri\n'last-upstream-sha': aaa111\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tc.file)
			if err := os.WriteFile(path, []byte(tc.content), 0644); err != nil {
				t.Fatal(err)
			}
			if sha, err := NewConfigStore(path).Load(); err != nil || sha != "aaa111" {
				t.Fatalf("Load = %q, %v", sha, err)
			}
			saveAndReload(t, path, "bbb222")
		})
	}
}

func TestConfigStore_IndentedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "josh-sync.toml")
	content := "repo = \"miri\"\npath = \"src/tools/miri\"\n  last-upstream-sha   =   \"aaa111\"  # pulled last\n\n[[post-pull]]\ncmd = [\"true\"]\ncommit-message = \"noop\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	data := saveAndReload(t, path, "bbb222")
	if !strings.Contains(data, "\n  last-upstream-sha = \"bbb222\"\n") {
		t.Errorf("indentation was not kept:\n%s", data)
	}
}

func TestConfigStore_RefusesUnloadableResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "josh-sync.toml")
	// The key sits inside a table, so rewriting it cannot set the marker.
	content := "repo = \"miri\"\npath = \"src/tools/miri\"\n\n[notes]\nlast-upstream-sha = \"aaa111\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if err := NewConfigStore(path).Save("bbb222"); err == nil {
		t.Fatal("expected Save to fail")
	}
	data, _ := os.ReadFile(path)
	if string(data) != content {
		t.Errorf("config was modified:\n%s", data)
	}
}

func TestForConfig(t *testing.T) {
	empty := ""
	embedded := &config.Config{LastUpstreamSHA: &empty}
	standalone := &config.Config{}

	if _, ok := ForConfig(embedded, "josh-sync.toml", "rust-version").(*ConfigStore); !ok {
		t.Error("expected ConfigStore when the config embeds the marker")
	}
	s, ok := ForConfig(standalone, "josh-sync.toml", "rust-version").(*FileStore)
	if !ok {
		t.Fatal("expected FileStore otherwise")
	}
	if s.Path() != "rust-version" {
		t.Errorf("Path = %q", s.Path())
	}
}
