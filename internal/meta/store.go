// Package meta persists per-session metadata records with
// at-most-one-writer-at-a-time semantics per logical record.
//
// All mutations are merges: an update shallow-overwrites the patch's fields
// onto the previously persisted record, so two unrelated updaters never
// clobber each other's fields. Concurrent updates to the same key are
// serialized in acquisition order through a per-key FIFO queue of waiters;
// updates to distinct keys never block each other.
//
// The queue guards a single wharf process only. A second process mutating
// the same backing directory is outside this component's guarantees
// (single-instance semantics); the file backend's atomic writes prevent torn
// records but not lost updates in that scenario.
package meta

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/wharf-sh/wharf/internal/errors"
	"github.com/wharf-sh/wharf/internal/logging"
)

// Record is a session metadata record: a mapping from field name to value
// (status, branch, runtime handle, dashboard port, timestamps, ...).
type Record map[string]any

// Store serializes merge-writes per record key over an injected Backend.
// It is safe for concurrent use.
type Store struct {
	backend Backend
	logger  *logging.Logger

	mu sync.Mutex
	// queues holds, per key, the FIFO queue of waiters. The head of the
	// queue holds the key's write lock; each waiter's channel is closed by
	// its predecessor on release. No entry means the key is unlocked.
	queues map[string][]chan struct{}
}

// NewStore creates a metadata store over the given backend.
func NewStore(backend Backend, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Store{
		backend: backend,
		logger:  logger.WithComponent("meta"),
		queues:  make(map[string][]chan struct{}),
	}
}

// acquire joins the FIFO queue for key and blocks until granted or the
// context is done. The returned release function must be called exactly once.
func (s *Store) acquire(ctx context.Context, key string) (release func(), err error) {
	ticket := make(chan struct{})

	s.mu.Lock()
	s.queues[key] = append(s.queues[key], ticket)
	granted := len(s.queues[key]) == 1
	if granted {
		// Head of a fresh queue holds the lock immediately.
		close(ticket)
	}
	s.mu.Unlock()

	select {
	case <-ticket:
		return func() { s.release(key) }, nil
	case <-ctx.Done():
		s.abandon(key, ticket)
		return nil, errors.Wrap(ctx.Err(), "waiting for record lock")
	}
}

// release pops the current holder and grants the next waiter in line.
func (s *Store) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[key]
	if len(queue) == 0 {
		return
	}
	queue = queue[1:]
	if len(queue) == 0 {
		delete(s.queues, key)
		return
	}
	s.queues[key] = queue
	close(queue[0])
}

// abandon removes a waiter that gave up before being granted. If the ticket
// was granted concurrently with cancellation, the lock is released instead
// so the queue never stalls.
func (s *Store) abandon(key string, ticket chan struct{}) {
	s.mu.Lock()
	queue := s.queues[key]
	for i, w := range queue {
		if w != ticket {
			continue
		}
		if i == 0 {
			// Already granted; release normally.
			s.mu.Unlock()
			s.release(key)
			return
		}
		s.queues[key] = append(queue[:i], queue[i+1:]...)
		break
	}
	s.mu.Unlock()
}

// Update atomically merges patch into the record stored under key.
//
// Concurrent updates on the same key are applied strictly in lock
// acquisition order; each grantee reads the current persisted record,
// shallow-overwrites the patch's fields onto it, and writes the result
// before the next waiter is granted. Backend failures propagate to this
// caller only, and the lock is always released.
func (s *Store) Update(ctx context.Context, key string, patch Record) error {
	if key == "" {
		return errors.NewValidationError("record key cannot be empty")
	}
	if len(patch) == 0 {
		return nil
	}

	release, err := s.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	current, err := s.load(ctx, key)
	if err != nil && !errors.Is(err, errors.ErrRecordNotFound) {
		return errors.NewStoreError("read before merge failed", err).WithKey(key)
	}
	if current == nil {
		current = make(Record, len(patch))
	}

	for field, value := range patch {
		current[field] = value
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return errors.NewStoreError("encode merged record failed", err).WithKey(key)
	}
	if err := s.backend.Save(ctx, key, data); err != nil {
		return errors.NewStoreError("merge write failed", err).WithKey(key)
	}

	s.logger.Debug("record merged", "key", key, "fields", len(patch))
	return nil
}

// Read returns the record stored under key, or errors.ErrRecordNotFound if
// absent. Reads are not ordered against in-flight updates; the last
// committed value wins.
func (s *Store) Read(ctx context.Context, key string) (Record, error) {
	if key == "" {
		return nil, errors.NewValidationError("record key cannot be empty")
	}
	return s.load(ctx, key)
}

// Keys returns the record keys matching the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.backend.List(ctx, prefix)
}

func (s *Store) load(ctx context.Context, key string) (Record, error) {
	data, err := s.backend.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.Wrapf(errors.ErrRecordCorrupted, "key %s: %v", key, err)
	}
	return record, nil
}
