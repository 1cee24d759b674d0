// Package lifecycle starts and stops service bundles: groups of network
// services (dashboard, terminal socket, relay) that share one child process
// and must come up with non-colliding ports injected through the
// environment.
package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wharf-sh/wharf/internal/errors"
	"github.com/wharf-sh/wharf/internal/logging"
	"github.com/wharf-sh/wharf/internal/ports"
	"github.com/wharf-sh/wharf/internal/proc"
)

// Service declares one network service of a bundle: its name, the
// environment variable the child reads its port from, and the port the scan
// starts at.
type Service struct {
	Name          string
	EnvVar        string
	PreferredPort int
}

// StartOptions describes a bundle launch.
type StartOptions struct {
	// Command is the executable to launch. It must resolve on PATH.
	Command string
	Args    []string
	Dir     string

	// Services lists the bundle's network services. Every service gets a
	// port allocated before the child is spawned.
	Services []Service

	// ConfigPath, when set, is resolved to an absolute path and injected as
	// WHARF_CONFIG so the child loads the same configuration file.
	ConfigPath string

	// OpenBrowser opens the first service's URL after BrowserDelay.
	// Best effort: a failed open never fails the start.
	OpenBrowser  bool
	BrowserDelay time.Duration

	Description string
}

// Bundle is a started service group: the child handle plus the port each
// service was granted.
type Bundle struct {
	Handle *proc.Handle
	Ports  map[string]int
}

// Port returns the port allocated to the named service, or 0 if the bundle
// has no such service.
func (b *Bundle) Port(name string) int {
	if b == nil {
		return 0
	}
	return b.Ports[name]
}

// Coordinator composes a port registry and a process supervisor into
// bundle-level start/stop operations.
type Coordinator struct {
	registry   *ports.Registry
	supervisor *proc.Supervisor
	logger     *logging.Logger

	gracefulTimeout time.Duration

	// Seams for tests.
	lookPath     func(string) (string, error)
	listenerPIDs func(ctx context.Context, port int) ([]int, error)
	openURL      func(url string) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithGracefulTimeout overrides the SIGTERM-to-SIGKILL window used by Stop.
func WithGracefulTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.gracefulTimeout = d }
}

// WithLookPath overrides executable resolution.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(c *Coordinator) { c.lookPath = fn }
}

// WithListenerPIDs overrides OS-level listener discovery.
func WithListenerPIDs(fn func(ctx context.Context, port int) ([]int, error)) Option {
	return func(c *Coordinator) { c.listenerPIDs = fn }
}

// WithOpenURL overrides the browser opener.
func WithOpenURL(fn func(url string) error) Option {
	return func(c *Coordinator) { c.openURL = fn }
}

// NewCoordinator creates a Coordinator over the given registry and
// supervisor.
func NewCoordinator(registry *ports.Registry, supervisor *proc.Supervisor, logger *logging.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	c := &Coordinator{
		registry:        registry,
		supervisor:      supervisor,
		logger:          logger.WithComponent("lifecycle"),
		gracefulTimeout: proc.DefaultGracefulTimeout,
		lookPath:        exec.LookPath,
		listenerPIDs:    lsofListenerPIDs,
		openURL:         openURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start brings up a service bundle.
//
// All ports are allocated before anything is spawned; if any allocation
// fails, ports granted so far are released and no process starts. The child
// is launched with one environment variable per service port, so the bundle
// either starts whole or not at all.
func (c *Coordinator) Start(ctx context.Context, opts StartOptions) (*Bundle, error) {
	if opts.Command == "" {
		return nil, errors.NewValidationError("bundle command cannot be empty")
	}
	if len(opts.Services) == 0 {
		return nil, errors.NewValidationError("bundle declares no services")
	}

	if _, err := c.lookPath(opts.Command); err != nil {
		return nil, errors.Wrapf(errors.ErrMissingDependency,
			"%q not found in PATH; install it or point dashboard.command at the right executable", opts.Command)
	}

	granted := make(map[string]int, len(opts.Services))
	for _, svc := range opts.Services {
		port, err := c.registry.Allocate(svc.PreferredPort)
		if err != nil {
			for _, p := range granted {
				c.registry.Release(p)
			}
			return nil, errors.NewServiceError("port allocation failed", err).
				WithService(svc.Name).WithPort(svc.PreferredPort)
		}
		granted[svc.Name] = port
	}

	env := os.Environ()
	for _, svc := range opts.Services {
		env = append(env, fmt.Sprintf("%s=%d", svc.EnvVar, granted[svc.Name]))
	}
	if opts.ConfigPath != "" {
		// The child may run with a different working directory, so the path
		// must be resolved against ours before it crosses the env boundary.
		cfgPath := opts.ConfigPath
		if abs, err := filepath.Abs(cfgPath); err == nil {
			cfgPath = abs
		}
		env = append(env, "WHARF_CONFIG="+cfgPath)
	}

	desc := opts.Description
	if desc == "" {
		desc = opts.Command
	}
	handle, err := c.supervisor.Spawn(proc.Spec{
		Command:     opts.Command,
		Args:        opts.Args,
		Dir:         opts.Dir,
		Env:         env,
		Description: desc,
	})
	if err != nil {
		for _, p := range granted {
			c.registry.Release(p)
		}
		return nil, err
	}

	bundle := &Bundle{Handle: handle, Ports: granted}
	c.logger.Info("bundle started",
		"command", opts.Command,
		"pid", handle.PID(),
		"ports", formatPorts(granted))

	if opts.OpenBrowser {
		primary := granted[opts.Services[0].Name]
		go c.openAfterDelay(fmt.Sprintf("http://localhost:%d", primary), opts.BrowserDelay)
	}

	return bundle, nil
}

// Stop tears down whatever is listening on the given bundle ports and
// releases them. It needs no process handle: listeners are discovered at the
// OS level, so it works across restarts of the wharf process itself.
//
// Stop is idempotent. It returns the PIDs it terminated; an empty slice with
// a nil error means nothing was running.
func (c *Coordinator) Stop(ctx context.Context, bundlePorts []int) ([]int, error) {
	seen := make(map[int]bool)
	var pids []int
	for _, port := range bundlePorts {
		found, err := c.listenerPIDs(ctx, port)
		if err != nil {
			c.logger.Warn("listener discovery failed", "port", port, "error", err)
			continue
		}
		for _, pid := range found {
			if !seen[pid] {
				seen[pid] = true
				pids = append(pids, pid)
			}
		}
	}
	sort.Ints(pids)

	var firstErr error
	for _, pid := range pids {
		if err := c.supervisor.TerminatePID(pid, c.gracefulTimeout); err != nil {
			c.logger.Error("failed to terminate listener", "pid", pid, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.logger.Info("listener terminated", "pid", pid)
	}

	for _, port := range bundlePorts {
		c.registry.Release(port)
	}

	if firstErr != nil {
		return pids, firstErr
	}
	if len(pids) == 0 {
		c.logger.Info("nothing running on bundle ports", "ports", bundlePorts)
	}
	return pids, nil
}

// Probe reports whether an HTTP server answers on the given local port.
// Any response, including an error status, counts as reachable.
func (c *Coordinator) Probe(ctx context.Context, port int) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/", port), nil)
	if err != nil {
		return false
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (c *Coordinator) openAfterDelay(url string, delay time.Duration) {
	if delay > 0 {
		time.Sleep(delay)
	}
	if err := c.openURL(url); err != nil {
		c.logger.Warn("failed to open browser", "url", url, "error", err)
		return
	}
	c.logger.Debug("opened browser", "url", url)
}

// PortFromEnv reads a port number from the named environment variable,
// falling back to the given default when unset or unparseable. Children of a
// bundle use this to honor the injected port contract.
func PortFromEnv(varName string, fallback int) int {
	raw := os.Getenv(varName)
	if raw == "" {
		return fallback
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		return fallback
	}
	return port
}

// lsofListenerPIDs asks lsof for the PIDs listening on a local TCP port.
// lsof exits 1 when nothing matches; that is an empty result, not an error.
func lsofListenerPIDs(ctx context.Context, port int) ([]int, error) {
	cmd := exec.CommandContext(ctx, "lsof", "-ti", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN")
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof failed for port %d: %w", port, err)
	}

	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// openURL opens the given URL in the default browser.
func openURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform %q", runtime.GOOS)
	}
	return cmd.Start()
}

func formatPorts(granted map[string]int) string {
	names := make([]string, 0, len(granted))
	for name := range granted {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, granted[name]))
	}
	return strings.Join(parts, " ")
}
