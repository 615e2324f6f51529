//go:build integration

package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/josh-sync/internal/testutil"
)

func TestCLI(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	testutil.GitEnv(t)

	h := NewHarness(t)
	if err := h.Build(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}

	// A local directory stands in for the forge; josh is never reached.
	base := t.TempDir()
	upstream := filepath.Join(base, "rust-lang", "rust")
	testutil.InitRepo(t, upstream)
	upstreamHead := testutil.CommitFile(t, upstream, "src/tools/miri/README.md", "miri\n", "Add miri")

	h.Setenv("JOSH_SYNC_GITHUB_URL", base)
	h.Setenv("GITHUB_ACTIONS", "true")

	t.Run("A_Version", func(t *testing.T) {
		stdout, _ := h.MustRun(ctx, 0, t.TempDir(), "version")
		if !strings.HasPrefix(stdout, "josh-sync ") {
			t.Errorf("unexpected output %q", stdout)
		}
	})

	t.Run("B_InitKeepsExistingMarker", func(t *testing.T) {
		dir := t.TempDir()
		h.MustRun(ctx, 0, dir, "init")

		if _, err := os.Stat(filepath.Join(dir, "josh-sync.toml")); err != nil {
			t.Fatalf("config not created: %v", err)
		}
		testutil.WriteFile(t, dir, "rust-version", "aaa111\n")

		stdout, _ := h.MustRun(ctx, 0, dir, "init")
		if !strings.Contains(stdout, "already exists") {
			t.Errorf("unexpected output %q", stdout)
		}
		data, _ := os.ReadFile(filepath.Join(dir, "rust-version"))
		if string(data) != "aaa111\n" {
			t.Errorf("marker overwritten: %q", data)
		}
	})

	t.Run("C_InvalidConfig", func(t *testing.T) {
		dir := newSubtreeRepo(t, "repo = \"miri\"\npath = \"src/tools/miri\"\nfilter = \":/src/tools/miri\"\n", "")
		_, stderr := h.MustRun(ctx, 1, dir, "pull")
		if !strings.Contains(stderr, "cannot specify both") {
			t.Errorf("unexpected stderr %q", stderr)
		}
	})

	t.Run("D_NothingToPull", func(t *testing.T) {
		dir := newSubtreeRepo(t, "repo = \"miri\"\npath = \"src/tools/miri\"\n", upstreamHead)
		head := testutil.Git(t, dir, "rev-parse", "HEAD")

		_, stderr := h.MustRun(ctx, 2, dir, "pull")
		if !strings.Contains(stderr, "Nothing to pull") {
			t.Errorf("unexpected stderr %q", stderr)
		}
		if got := testutil.Git(t, dir, "rev-parse", "HEAD"); got != head {
			t.Errorf("HEAD moved from %s to %s", head, got)
		}
	})

	t.Run("E_DirtyWorktree", func(t *testing.T) {
		dir := newSubtreeRepo(t, "repo = \"miri\"\npath = \"src/tools/miri\"\n", "aaa111")
		testutil.WriteFile(t, dir, "rust-version", "dirty\n")

		_, stderr := h.MustRun(ctx, 1, dir, "pull")
		if !strings.Contains(stderr, "working directory must be clean") {
			t.Errorf("unexpected stderr %q", stderr)
		}
	})

	t.Run("F_PushWithoutBase", func(t *testing.T) {
		dir := newSubtreeRepo(t, "repo = \"miri\"\npath = \"src/tools/miri\"\n", "")
		_, stderr := h.MustRun(ctx, 1, dir, "push", "miri-sync", "alice")
		if !strings.Contains(stderr, "no upstream commit recorded") {
			t.Errorf("unexpected stderr %q", stderr)
		}
	})

	t.Run("G_PushArgs", func(t *testing.T) {
		dir := newSubtreeRepo(t, "repo = \"miri\"\npath = \"src/tools/miri\"\n", upstreamHead)
		h.MustRun(ctx, 1, dir, "push", "miri-sync")
	})
}

// newSubtreeRepo creates a committed subtree repository with the given
// config and marker.
func newSubtreeRepo(t *testing.T, cfg, marker string) string {
	t.Helper()
	dir := t.TempDir()
	testutil.InitRepo(t, dir)
	testutil.WriteFile(t, dir, "josh-sync.toml", cfg)
	testutil.WriteFile(t, dir, "rust-version", marker+"\n")
	testutil.Git(t, dir, "add", ".")
	testutil.Git(t, dir, "commit", "--quiet", "-m", "Initial commit")
	return dir
}
