package josh

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fakeModeEnv makes the test binary impersonate josh-proxy.
const fakeModeEnv = "JOSH_SYNC_FAKE_PROXY"

func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeModeEnv); mode != "" {
		os.Exit(fakeProxy(mode, os.Args[1:]))
	}
	os.Exit(m.Run())
}

// fakeProxy behaves like josh-proxy for lifecycle purposes:
//
//	serve    listen on --port and exit on interrupt
//	stubborn listen on --port and ignore interrupts
//	silent   never listen
//	crash    exit immediately
func fakeProxy(mode string, args []string) int {
	if mode == "crash" {
		return 3
	}

	var port string
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, "--port="); ok {
			port = v
		}
	}

	if path := os.Getenv("JOSH_SYNC_FAKE_ARGS"); path != "" {
		_ = os.WriteFile(path, []byte(strings.Join(args, "\n")), 0644)
	}

	interrupts := make(chan os.Signal, 1)
	if mode == "stubborn" {
		signal.Ignore(os.Interrupt)
	} else {
		signal.Notify(interrupts, os.Interrupt)
	}

	if mode != "silent" {
		ln, err := net.Listen("tcp", "127.0.0.1:"+port)
		if err != nil {
			return 4
		}
		defer func() { _ = ln.Close() }()
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				_ = conn.Close()
			}
		}()
	}

	select {
	case <-interrupts:
		return 0
	case <-time.After(time.Minute):
		return 5
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func newFakeProxy(t *testing.T, mode string, opts ...Option) (*Proxy, int) {
	t.Helper()
	t.Setenv(fakeModeEnv, mode)
	port := freePort(t)
	opts = append([]Option{
		WithPort(port),
		WithCacheDir(t.TempDir()),
		WithReadiness(200, 10*time.Millisecond),
		WithGracePeriod(100 * time.Millisecond),
	}, opts...)
	return NewProxy(os.Args[0], testLogger(), opts...), port
}

func waitExited(t *testing.T, r *Running) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("process still running after Close")
	}
}

func TestStart_ServesAndStopsGracefully(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("JOSH_SYNC_FAKE_ARGS", argsFile)
	cacheDir := t.TempDir()

	p, port := newFakeProxy(t, "serve", WithCacheDir(cacheDir), WithRemote("file:///srv/git"))
	r, err := p.Start(context.Background(), "rust-lang", "miri")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if r.Port() != port {
		t.Errorf("Port() = %d, want %d", r.Port(), port)
	}

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("fake proxy did not record its arguments: %v", err)
	}
	want := []string{
		"--local", filepath.Join(cacheDir, "rust-lang", "miri"),
		"--remote=file:///srv/git",
		"--port=" + strconv.Itoa(port),
		"--no-background",
	}
	if got := strings.Split(string(data), "\n"); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("args = %q, want %q", got, want)
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "rust-lang", "miri")); err != nil {
		t.Errorf("cache directory not created: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitExited(t, r)
	if r.waitErr != nil {
		t.Errorf("expected clean exit after interrupt, got %v", r.waitErr)
	}

	// Idempotent
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClose_KillsStubbornProcess(t *testing.T) {
	p, _ := newFakeProxy(t, "stubborn", WithGracePeriod(50*time.Millisecond))
	r, err := p.Start(context.Background(), "rust-lang", "miri")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitExited(t, r)
	if r.waitErr == nil {
		t.Error("expected the process to be killed")
	}
}

func TestStart_NeverReady(t *testing.T) {
	p, _ := newFakeProxy(t, "silent", WithReadiness(5, 10*time.Millisecond))

	start := time.Now()
	_, err := p.Start(context.Background(), "rust-lang", "miri")
	if err == nil {
		t.Fatal("expected readiness failure")
	}
	if !strings.Contains(err.Error(), "still not available") {
		t.Errorf("unexpected error: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("readiness poll not bounded, took %s", time.Since(start))
	}
}

func TestStart_ProcessExitsEarly(t *testing.T) {
	p, _ := newFakeProxy(t, "crash")

	_, err := p.Start(context.Background(), "rust-lang", "miri")
	if err == nil {
		t.Fatal("expected error when the process exits")
	}
	if !strings.Contains(err.Error(), "exited before accepting connections") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStart_MissingExecutable(t *testing.T) {
	p := NewProxy(filepath.Join(t.TempDir(), "josh-proxy"), testLogger(), WithCacheDir(t.TempDir()))
	if _, err := p.Start(context.Background(), "rust-lang", "miri"); err == nil {
		t.Fatal("expected error for missing executable")
	}
}

func TestGitURL(t *testing.T) {
	r := &Running{port: 42042}

	tests := []struct {
		name   string
		repo   string
		commit string
		filter string
		want   string
	}{
		{
			name:   "pinned commit",
			repo:   "rust-lang/rust",
			commit: "bbb222",
			filter: ":/src/tools/miri",
			want:   "http://localhost:42042/rust-lang/rust.git@bbb222:/src/tools/miri.git",
		},
		{
			name:   "fork without commit",
			repo:   "alice/rust",
			filter: ":/library/stdarch",
			want:   "http://localhost:42042/alice/rust.git:/library/stdarch.git",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.GitURL(tt.repo, tt.commit, tt.filter); got != tt.want {
				t.Errorf("GitURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLocate(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PATH", dir)

	if _, err := Locate(); err != ErrNotInstalled {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}

	bin := filepath.Join(dir, Binary)
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	path, err := Locate()
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if path != bin {
		t.Errorf("Locate() = %q, want %q", path, bin)
	}
}
