// Package ports tracks which local TCP ports this process has claimed and
// finds free ones near a preferred value.
//
// The registry is an explicit instance owned by its composing caller, not an
// ambient global, so tests and multiple coordinators can hold independent
// claim sets. Claims are process-lifetime only; nothing is persisted.
package ports

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/wharf-sh/wharf/internal/errors"
	"github.com/wharf-sh/wharf/internal/logging"
)

// DefaultMaxAttempts is how many consecutive candidates Allocate tries
// before giving up.
const DefaultMaxAttempts = 10

// ProbeFunc reports whether a port is available at the OS level.
// The default probe binds and immediately releases a listener on loopback.
// Note the accepted race: a different process can bind the port between the
// probe and the eventual bind by the owning service.
type ProbeFunc func(port int) bool

// Registry tracks ports claimed by this process instance.
// It is safe for concurrent use.
type Registry struct {
	logger      *logging.Logger
	maxAttempts int
	probe       ProbeFunc

	mu      sync.Mutex
	claimed map[int]time.Time // port -> claim time
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxAttempts overrides the allocation attempt budget.
func WithMaxAttempts(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithProbe overrides the OS availability probe. Tests use this to simulate
// ports bound by other processes.
func WithProbe(probe ProbeFunc) Option {
	return func(r *Registry) {
		if probe != nil {
			r.probe = probe
		}
	}
}

// NewRegistry creates a port registry.
func NewRegistry(logger *logging.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	r := &Registry{
		logger:      logger.WithComponent("ports"),
		maxAttempts: DefaultMaxAttempts,
		probe:       probeBind,
		claimed:     make(map[int]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// probeBind checks OS-level availability with a bind-and-release test.
func probeBind(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Allocate scans preferred, preferred+1, ... up to the attempt budget and
// returns the first port that is neither claimed by this registry nor bound
// at the OS level. The returned port is recorded as claimed.
//
// Exhausting the budget fails with a "no port available near N" error and
// leaves no claim behind; this is fatal to the caller's startup and is not
// retried internally.
func (r *Registry) Allocate(preferred int) (int, error) {
	if preferred < 1 || preferred > 65535 {
		return 0, errors.NewValidationError("preferred port out of range").
			WithField("preferred").
			WithValue(preferred)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.maxAttempts; i++ {
		candidate := preferred + i
		if candidate > 65535 {
			break
		}
		if _, taken := r.claimed[candidate]; taken {
			continue
		}
		if !r.probe(candidate) {
			continue
		}
		r.claimed[candidate] = time.Now()
		r.logger.Debug("port claimed", "port", candidate, "preferred", preferred)
		return candidate, nil
	}

	return 0, errors.Wrapf(errors.ErrNoPortAvailable,
		"no port available near %d (tried %d candidates)", preferred, r.maxAttempts)
}

// Release returns a port to the pool. Releasing an unclaimed port is a no-op.
func (r *Registry) Release(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.claimed[port]; !ok {
		return
	}
	delete(r.claimed, port)
	r.logger.Debug("port released", "port", port)
}

// ReleaseAll drops every claim held by this registry.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for port := range r.claimed {
		delete(r.claimed, port)
	}
	r.logger.Debug("all ports released")
}

// Claimed reports whether the registry currently holds the port, and when
// the claim was made.
func (r *Registry) Claimed(port int) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	at, ok := r.claimed[port]
	return at, ok
}

// ClaimedPorts returns the ports currently held by this registry.
func (r *Registry) ClaimedPorts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int, 0, len(r.claimed))
	for port := range r.claimed {
		out = append(out, port)
	}
	return out
}
