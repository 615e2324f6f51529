package josh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/adrg/xdg"

	"github.com/schaermu/josh-sync/internal/command"
)

const (
	// Binary is the executable name searched for on PATH.
	Binary = "josh-proxy"
	// Version is the josh release installed by Install.
	Version = "r24.10.04"
	// DefaultPort is the local port the proxy listens on.
	DefaultPort = 42042
	// DefaultRemote is the forge josh proxies to.
	DefaultRemote = "https://github.com"
)

// ErrNotInstalled is returned when josh-proxy cannot be found on PATH.
var ErrNotInstalled = errors.New("josh-proxy is not installed")

// Locate returns the path of an installed josh-proxy
func Locate() (string, error) {
	path, err := exec.LookPath(Binary)
	if err != nil {
		return "", ErrNotInstalled
	}
	return path, nil
}

// Install builds and installs the pinned josh-proxy release with cargo and
// returns its path. Reinstalling the same tag is a no-op for cargo.
func Install(ctx context.Context, runner *command.Runner) (string, error) {
	err := runner.Stream(ctx, "", "cargo",
		"install", "--locked",
		"--git", "https://github.com/josh-project/josh",
		"--tag", Version,
		Binary)
	if err != nil {
		return "", fmt.Errorf("failed to install josh-proxy: %w", err)
	}
	path, err := Locate()
	if err != nil {
		return "", fmt.Errorf("josh-proxy still not found after install, is ~/.cargo/bin on PATH?: %w", err)
	}
	return path, nil
}

// Proxy starts josh-proxy processes from a fixed executable
type Proxy struct {
	path     string
	logger   *slog.Logger
	port     int
	remote   string
	cacheDir string
	attempts int
	interval time.Duration
	grace    time.Duration
}

// Option customizes a Proxy
type Option func(*Proxy)

// WithPort sets the local listen port
func WithPort(port int) Option {
	return func(p *Proxy) { p.port = port }
}

// WithRemote sets the upstream forge URL josh proxies to
func WithRemote(remote string) Option {
	return func(p *Proxy) { p.remote = remote }
}

// WithCacheDir sets the base directory for per-repository josh caches
func WithCacheDir(dir string) Option {
	return func(p *Proxy) { p.cacheDir = dir }
}

// WithReadiness sets how often and how many times the port is probed
func WithReadiness(attempts int, interval time.Duration) Option {
	return func(p *Proxy) {
		p.attempts = attempts
		p.interval = interval
	}
}

// WithGracePeriod sets how long Close waits after interrupting the process
func WithGracePeriod(d time.Duration) Option {
	return func(p *Proxy) { p.grace = d }
}

// NewProxy creates a Proxy that runs the executable at path
func NewProxy(path string, logger *slog.Logger, opts ...Option) *Proxy {
	p := &Proxy{
		path:     path,
		logger:   logger,
		port:     DefaultPort,
		remote:   DefaultRemote,
		cacheDir: filepath.Join(xdg.CacheHome, "josh-sync"),
		attempts: 100,
		interval: 10 * time.Millisecond,
		grace:    100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CacheDir returns the josh cache directory used for org/repo. It is stable
// across runs so josh can reuse previously filtered history.
func (p *Proxy) CacheDir(org, repo string) string {
	return filepath.Join(p.cacheDir, org, repo)
}

// Start spawns josh-proxy for org/repo and waits until it accepts
// connections. The caller must Close the returned proxy.
func (p *Proxy) Start(ctx context.Context, org, repo string) (*Running, error) {
	local := p.CacheDir(org, repo)
	if err := os.MkdirAll(local, 0755); err != nil {
		return nil, fmt.Errorf("failed to create josh cache directory: %w", err)
	}

	// The process outlives individual git commands, so it is bound to
	// Close rather than to ctx.
	cmd := exec.Command(p.path,
		"--local", local,
		"--remote="+p.remote,
		"--port="+strconv.Itoa(p.port),
		"--no-background")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start josh-proxy, make sure it is installed: %w", err)
	}
	p.logger.Debug("josh-proxy spawned", "pid", cmd.Process.Pid, "port", p.port, "cache", local)

	r := &Running{
		cmd:    cmd,
		port:   p.port,
		grace:  p.grace,
		logger: p.logger,
		done:   make(chan struct{}),
	}
	go func() {
		r.waitErr = cmd.Wait()
		close(r.done)
	}()

	if err := p.waitReady(ctx, r); err != nil {
		if cerr := r.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, err
	}

	p.logger.Info("josh up and running", "port", p.port)
	return r, nil
}

func (p *Proxy) waitReady(ctx context.Context, r *Running) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(p.port))
	for i := 0; i < p.attempts; i++ {
		// Fails immediately while the port is still closed.
		conn, err := net.DialTimeout("tcp", addr, time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case <-r.done:
			return fmt.Errorf("josh-proxy exited before accepting connections: %v", r.waitErr)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.interval):
		}
	}
	return fmt.Errorf("josh-proxy is still not available on port %d after %s",
		p.port, time.Duration(p.attempts)*p.interval)
}

// Running is a josh-proxy process listening on a local port
type Running struct {
	cmd    *exec.Cmd
	port   int
	grace  time.Duration
	logger *slog.Logger

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// Port returns the local port the proxy listens on
func (r *Running) Port() int {
	return r.port
}

// GitURL builds the URL of repo filtered by filter, pinned to commit when
// commit is not empty.
func (r *Running) GitURL(repo, commit, filter string) string {
	if commit != "" {
		commit = "@" + commit
	}
	return fmt.Sprintf("http://localhost:%d/%s.git%s%s.git", r.port, repo, commit, filter)
}

// Close interrupts the process and kills it if it is still running after
// the grace period. It is safe to call more than once.
func (r *Running) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.stop()
	})
	return r.closeErr
}

func (r *Running) stop() error {
	select {
	case <-r.done:
		return nil
	default:
	}

	if err := r.cmd.Process.Signal(os.Interrupt); err == nil {
		select {
		case <-r.done:
			return nil
		case <-time.After(r.grace):
		}
	}

	r.logger.Warn("killing josh-proxy forcefully", "pid", r.cmd.Process.Pid)
	if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill josh-proxy: %w", err)
	}

	select {
	case <-r.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("josh-proxy (pid %d) did not exit after being killed", r.cmd.Process.Pid)
	}
}
