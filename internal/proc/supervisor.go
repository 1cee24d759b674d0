// Package proc spawns and terminates child OS processes with a
// graceful-then-forceful shutdown protocol.
//
// The supervisor owns its handle table as an explicit instance; callers that
// need independent supervision (or per-test isolation) construct their own.
// Termination races are expected and tolerated: a signal sent to a process
// that died first is success, not an error.
package proc

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/wharf-sh/wharf/internal/errors"
	"github.com/wharf-sh/wharf/internal/logging"
)

const (
	// DefaultGracefulTimeout is the default time to wait after SIGTERM
	// before escalating to SIGKILL.
	DefaultGracefulTimeout = 5 * time.Second

	// DefaultPollInterval is how often termination polls for process death.
	DefaultPollInterval = 100 * time.Millisecond
)

// State represents the lifecycle state of a managed process.
type State int

const (
	// StateRunning indicates the process was spawned and has not exited.
	StateRunning State = iota

	// StateTerminating indicates a graceful termination signal was sent and
	// the supervisor is waiting for exit.
	StateTerminating

	// StateForceKilled indicates the graceful window elapsed and SIGKILL was sent.
	StateForceKilled

	// StateExited is terminal: exit was observed and no further signals will
	// ever be sent to the process.
	StateExited
)

// String returns a human-readable string for the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateForceKilled:
		return "force-killed"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Spec describes a child process to spawn.
type Spec struct {
	// Command is the executable to run.
	Command string

	// Args are the command arguments.
	Args []string

	// Dir is the working directory; empty means inherit.
	Dir string

	// Env is the full child environment; nil means inherit.
	Env []string

	// Description identifies the process in logs and errors
	// (e.g., "dashboard bundle").
	Description string
}

// Handle is a supervised child process.
type Handle struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	desc      string
	startedAt time.Time
	state     State
	waitErr   error
	done      chan struct{} // closed when exit is observed
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	return h.pid
}

// Description returns the human-readable process description.
func (h *Handle) Description() string {
	return h.desc
}

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time {
	return h.startedAt
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done returns a channel closed once exit has been observed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// WaitErr returns the exit error observed by the reaper: nil for a clean
// exit, non-nil (typically *exec.ExitError) otherwise. It is nil until exit
// has been observed; callers gate on Done() first.
func (h *Handle) WaitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Exited reports whether exit has been observed.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// setState transitions the handle's state. Exited is terminal: once reached,
// no transition out of it is possible.
func (h *Handle) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateExited {
		return
	}
	h.state = s
}

// Supervisor spawns child processes and applies the two-phase shutdown
// protocol. It is safe for concurrent use.
type Supervisor struct {
	logger       *logging.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	handles map[int]*Handle // pid -> handle
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPollInterval overrides the liveness poll interval during termination.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// NewSupervisor creates a process supervisor.
func NewSupervisor(logger *logging.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Supervisor{
		logger:       logger.WithComponent("supervisor"),
		pollInterval: DefaultPollInterval,
		handles:      make(map[int]*Handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn launches the child described by spec and attaches an exit observer.
// Spawn-time failures (e.g., executable not found) surface as a ProcessError
// tagged with the command description, not as a bare exec error.
func (s *Supervisor) Spawn(spec Spec) (*Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	desc := spec.Description
	if desc == "" {
		desc = spec.Command
	}

	// Child output goes to the log sink, line by line, so bundle output is
	// diagnosable without a terminal attached.
	cmd.Stdout = &outputLogger{logger: s.logger, desc: desc, stream: "stdout"}
	cmd.Stderr = &outputLogger{logger: s.logger, desc: desc, stream: "stderr"}
	// A grandchild that inherits the output pipe must not stall reaping
	// after the child itself has exited.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return nil, errors.NewProcessError("failed to spawn", errors.ErrSpawnFailed).
			WithCommand(desc).
			WithSeverity(errors.SeverityCritical).
			WithCause(err)
	}

	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		desc:      desc,
		startedAt: time.Now(),
		state:     StateRunning,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.handles[h.pid] = h
	s.mu.Unlock()

	s.logger.Info("process spawned", "pid", h.pid, "description", desc)

	// Reaper: observe exit exactly once. After this fires, the handle is in
	// its terminal state and the supervisor never signals the pid again.
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.waitErr = err
		h.state = StateExited
		h.mu.Unlock()
		close(h.done)

		s.mu.Lock()
		delete(s.handles, h.pid)
		s.mu.Unlock()

		s.logger.Debug("process exited", "pid", h.pid, "description", desc)
	}()

	return h, nil
}

// Handles returns the handles of processes not yet observed exited.
func (s *Supervisor) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	return out
}

// Terminate applies the two-phase shutdown protocol to a spawned handle:
// send SIGTERM, poll for exit until the graceful timeout, then SIGKILL if
// the process is still alive. A process that died before or between phases
// is success. Each phase logs once.
func (s *Supervisor) Terminate(h *Handle, gracefulTimeout time.Duration) error {
	if h == nil {
		return errors.NewValidationError("nil process handle")
	}
	if h.Exited() {
		return nil
	}
	if gracefulTimeout <= 0 {
		gracefulTimeout = DefaultGracefulTimeout
	}

	log := s.logger.With("pid", h.pid, "description", h.desc)

	h.setState(StateTerminating)
	log.Info("sending graceful termination signal", "timeout", gracefulTimeout.String())
	if err := signal(h.pid, syscall.SIGTERM); err != nil {
		// "no such process" means it beat us to the exit; races are expected.
		if errors.Is(err, errors.ErrProcessNotFound) {
			return nil
		}
		return errors.NewProcessError("graceful signal failed", err).
			WithCommand(h.desc).
			WithPID(h.pid)
	}

	if s.waitHandleExit(h, gracefulTimeout) {
		return nil
	}

	h.setState(StateForceKilled)
	log.Warn("graceful window elapsed, sending kill signal")
	_ = signal(h.pid, syscall.SIGKILL)

	// SIGKILL cannot be ignored; wait for the reaper to observe the exit so
	// the caller can rely on the process being gone.
	<-h.done
	return nil
}

// waitHandleExit waits for the reaper to observe exit, up to timeout.
func (s *Supervisor) waitHandleExit(h *Handle, timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return true
		case <-deadline:
			return h.Exited()
		case <-ticker.C:
			if h.Exited() {
				return true
			}
		}
	}
}

// TerminatePID applies the same two-phase protocol to a process discovered
// rather than spawned by this supervisor (e.g., a listener found via port
// discovery). Liveness is checked with kill(pid, 0) since the process is not
// a child we can wait on.
func (s *Supervisor) TerminatePID(pid int, gracefulTimeout time.Duration) error {
	if pid <= 0 {
		return errors.NewValidationError("invalid pid").WithValue(pid)
	}
	if !IsAlive(pid) {
		return nil
	}
	if gracefulTimeout <= 0 {
		gracefulTimeout = DefaultGracefulTimeout
	}

	log := s.logger.With("pid", pid)

	log.Info("sending graceful termination signal", "timeout", gracefulTimeout.String())
	if err := signal(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, errors.ErrProcessNotFound) {
			return nil
		}
		return errors.NewProcessError("graceful signal failed", err).WithPID(pid)
	}

	if s.waitPIDExit(pid, gracefulTimeout) {
		return nil
	}

	log.Warn("graceful window elapsed, sending kill signal")
	_ = signal(pid, syscall.SIGKILL)
	return nil
}

// waitPIDExit polls kill(pid, 0) until the process dies or timeout elapses.
func (s *Supervisor) waitPIDExit(pid int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return !IsAlive(pid)
		case <-ticker.C:
			if !IsAlive(pid) {
				return true
			}
		}
	}
}

// IsAlive checks if a process with the given PID exists.
// Uses kill(pid, 0) which checks for process existence without sending a signal.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil
}

// outputLogger forwards a child stream to the supervisor's logger, one log
// record per line.
type outputLogger struct {
	logger *logging.Logger
	desc   string
	stream string
}

func (w *outputLogger) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		w.logger.Debug("child output", "description", w.desc, "stream", w.stream, "line", line)
	}
	return len(p), nil
}

// signal sends sig to pid, mapping "no such process" to a distinguishable
// error so callers can treat it as success.
func signal(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(pid, sig); err != nil {
		if err == syscall.ESRCH {
			return fmt.Errorf("pid %d: %w", pid, errors.ErrProcessNotFound)
		}
		return err
	}
	return nil
}
