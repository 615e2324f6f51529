package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// GitEnv isolates git from the user's and the system's configuration and
// gives commits a fixed identity.
func GitEnv(t *testing.T) {
	t.Helper()

	global := filepath.Join(t.TempDir(), "gitconfig")
	content := "[init]\n\tdefaultBranch = main\n[commit]\n\tgpgsign = false\n[advice]\n\tdetachedHead = false\n[uploadpack]\n\tallowAnySHA1InWant = true\n"
	if err := os.WriteFile(global, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("GIT_CONFIG_GLOBAL", global)
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv("GIT_AUTHOR_NAME", "Test")
	t.Setenv("GIT_AUTHOR_EMAIL", "test@test.com")
	t.Setenv("GIT_COMMITTER_NAME", "Test")
	t.Setenv("GIT_COMMITTER_EMAIL", "test@test.com")
	t.Setenv("GIT_TERMINAL_PROMPT", "0")
}

// Git runs git in dir and returns its trimmed stdout, failing the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		stderr := ""
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = string(exitErr.Stderr)
		}
		t.Fatalf("git %v: %v: %s", args, err, stderr)
	}
	return strings.TrimSpace(string(out))
}

// InitRepo creates an empty repository with a main branch in dir.
func InitRepo(t *testing.T, dir string) {
	t.Helper()
	if out, err := exec.Command("git", "init", "-b", "main", dir).CombinedOutput(); err != nil {
		t.Fatalf("git init: %v: %s", err, out)
	}
}

// InitBareRepo creates an empty bare repository in dir.
func InitBareRepo(t *testing.T, dir string) {
	t.Helper()
	if out, err := exec.Command("git", "init", "--bare", "-b", "main", dir).CombinedOutput(); err != nil {
		t.Fatalf("git init --bare: %v: %s", err, out)
	}
}

// CloneRepo clones src into dst.
func CloneRepo(t *testing.T, src, dst string) {
	t.Helper()
	if out, err := exec.Command("git", "clone", "--quiet", src, dst).CombinedOutput(); err != nil {
		t.Fatalf("git clone: %v: %s", err, out)
	}
}

// WriteFile creates or overwrites a file inside the repository, creating
// parent directories as needed.
func WriteFile(t *testing.T, repoDir, name, content string) {
	t.Helper()
	path := filepath.Join(repoDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// CommitFile writes a file, commits it and returns the new HEAD.
func CommitFile(t *testing.T, repoDir, name, content, msg string) string {
	t.Helper()
	WriteFile(t, repoDir, name, content)
	Git(t, repoDir, "add", name)
	Git(t, repoDir, "commit", "--quiet", "-m", msg)
	return Git(t, repoDir, "rev-parse", "HEAD")
}
