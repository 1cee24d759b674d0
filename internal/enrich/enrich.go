// Package enrich decorates pull request references with live review data
// (CI status, checks, review decision, mergeability, comment count) behind a
// TTL cache, so an interactive caller survives upstream API quota
// exhaustion on stale-but-present data.
package enrich

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/wharf-sh/wharf/internal/errors"
	"github.com/wharf-sh/wharf/internal/logging"
)

// DefaultTTL is the cache lifetime of an enriched record.
const DefaultTTL = 60 * time.Second

// DefaultDegradedThreshold is the failed-sub-fetch fraction at which a
// record is tagged degraded.
const DefaultDegradedThreshold = 0.5

// PullRef identifies a pull request.
type PullRef struct {
	Owner  string
	Repo   string
	Number int
}

// Key returns the cache key for the ref.
func (r PullRef) Key() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

func (r PullRef) String() string { return r.Key() }

// ParseRef parses a "{owner}/{repo}#{number}" string into a PullRef.
func ParseRef(s string) (PullRef, error) {
	var ref PullRef
	slash := strings.IndexByte(s, '/')
	hash := strings.LastIndexByte(s, '#')
	if slash <= 0 || hash <= slash+1 || hash == len(s)-1 {
		return ref, errors.NewValidationError(fmt.Sprintf("invalid pull request ref %q, want owner/repo#number", s))
	}
	number, err := strconv.Atoi(s[hash+1:])
	if err != nil || number <= 0 {
		return ref, errors.NewValidationError(fmt.Sprintf("invalid pull request number in %q", s))
	}
	ref.Owner = s[:slash]
	ref.Repo = s[slash+1 : hash]
	ref.Number = number
	return ref, nil
}

// CheckRun is one CI check attached to a pull request head.
type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// RateLimitStatus is the upstream quota snapshot an enriched record may
// carry.
type RateLimitStatus struct {
	Resource  string    `json:"resource"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
	IsLimited bool      `json:"is_limited"`
}

// Enriched is a pull request decorated with review data plus cache
// transparency fields. Fields whose sub-fetch failed keep their zero value
// and are listed in Missing.
type Enriched struct {
	Ref PullRef `json:"ref"`

	Status         string     `json:"status,omitempty"`
	Checks         []CheckRun `json:"checks,omitempty"`
	ReviewDecision string     `json:"review_decision,omitempty"`
	Mergeable      string     `json:"mergeable,omitempty"`
	CommentCount   int        `json:"comment_count"`

	// Missing names the facets whose sub-fetch failed.
	Missing []string `json:"missing,omitempty"`

	// Degraded is set when too many sub-fetches failed for the record to be
	// trusted; Blocker carries the human-readable reason.
	Degraded bool   `json:"degraded,omitempty"`
	Blocker  string `json:"blocker,omitempty"`

	// Cache transparency: how old the record is and whether it has crossed
	// the staleness threshold.
	CacheAgeMs    int64            `json:"cache_age_ms"`
	LastFetchedAt time.Time        `json:"last_fetched_at"`
	Stale         bool             `json:"stale"`
	RateLimit     *RateLimitStatus `json:"rate_limit,omitempty"`
}

// Client fetches the independent facets of a pull request. Each method is
// one upstream call; failures are per-facet and never cancel the siblings.
type Client interface {
	FetchStatus(ctx context.Context, ref PullRef) (string, error)
	FetchChecks(ctx context.Context, ref PullRef) ([]CheckRun, error)
	FetchReviewDecision(ctx context.Context, ref PullRef) (string, error)
	FetchMergeable(ctx context.Context, ref PullRef) (string, error)
	FetchCommentCount(ctx context.Context, ref PullRef) (int, error)
}

// RateLimitReporter is an optional Client capability for surfacing exact
// quota status.
type RateLimitReporter interface {
	RateLimit(ctx context.Context) (RateLimitStatus, error)
}

// DegradedPolicy decides whether a record with the given failure fraction is
// degraded.
type DegradedPolicy func(failedFraction float64) bool

// facetCount is the size of the fixed sub-fetch set.
const facetCount = 5

// Enricher serves enriched pull request records from a TTL cache, fetching
// through a Client on miss. Safe for concurrent use.
type Enricher struct {
	client   Client
	cache    *Cache[Enriched]
	logger   *logging.Logger
	degraded DegradedPolicy
	now      func() time.Time
}

// EnricherOption configures an Enricher.
type EnricherOption func(*Enricher)

// WithDegradedPolicy overrides the degradation decision.
func WithDegradedPolicy(policy DegradedPolicy) EnricherOption {
	return func(e *Enricher) { e.degraded = policy }
}

// WithNow overrides the enricher's time source. The cache keeps its own
// clock; tests set both.
func WithNow(now func() time.Time) EnricherOption {
	return func(e *Enricher) { e.now = now }
}

// NewEnricher creates an Enricher over the given client and cache.
func NewEnricher(client Client, cache *Cache[Enriched], logger *logging.Logger, opts ...EnricherOption) *Enricher {
	if logger == nil {
		logger = logging.NopLogger()
	}
	e := &Enricher{
		client: client,
		cache:  cache,
		logger: logger.WithComponent("enrich"),
		degraded: func(failed float64) bool {
			return failed >= DefaultDegradedThreshold
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GetOrFetch returns the enriched record for ref.
//
// A live cache entry is returned without touching upstream, annotated with
// its age and staleness. On miss or expiry, the five facet fetches run
// concurrently and all are awaited; successes merge into the record,
// failures leave their facet zero-valued and listed in Missing. When the
// failed fraction reaches the degradation policy's threshold the record is
// tagged degraded with a blocker message. The result, partial or not, is
// cached for the full TTL.
//
// Quota exhaustion is special: the partial record is still cached and
// returned, together with a RateLimitError, so the caller can render what
// exists and report when the quota resets.
func (e *Enricher) GetOrFetch(ctx context.Context, ref PullRef) (Enriched, error) {
	key := ref.Key()

	if entry, ok := e.cache.Get(key); ok {
		record := entry.Value
		e.annotate(&record, entry)
		e.logger.Debug("cache hit", "key", key, "age_ms", record.CacheAgeMs, "stale", record.Stale)
		return record, nil
	}

	record, rateErr := e.fetch(ctx, ref)
	entry := e.cache.Put(key, record)
	e.annotate(&record, entry)

	if rateErr != nil {
		e.logger.Warn("upstream quota exhausted", "key", key, "error", rateErr)
		return record, rateErr
	}
	return record, nil
}

// fetch runs the facet sub-fetches concurrently and merges the results.
// The returned error is non-nil only for quota exhaustion.
func (e *Enricher) fetch(ctx context.Context, ref PullRef) (Enriched, error) {
	record := Enriched{Ref: ref}

	var mu sync.Mutex
	var failed []facetFailure

	fail := func(facet string, err error) {
		mu.Lock()
		failed = append(failed, facetFailure{facet: facet, err: err})
		mu.Unlock()
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		status, err := e.client.FetchStatus(ctx, ref)
		if err != nil {
			fail("status", err)
			return
		}
		mu.Lock()
		record.Status = status
		mu.Unlock()
	})
	wg.Go(func() {
		checks, err := e.client.FetchChecks(ctx, ref)
		if err != nil {
			fail("checks", err)
			return
		}
		mu.Lock()
		record.Checks = checks
		mu.Unlock()
	})
	wg.Go(func() {
		decision, err := e.client.FetchReviewDecision(ctx, ref)
		if err != nil {
			fail("review_decision", err)
			return
		}
		mu.Lock()
		record.ReviewDecision = decision
		mu.Unlock()
	})
	wg.Go(func() {
		mergeable, err := e.client.FetchMergeable(ctx, ref)
		if err != nil {
			fail("mergeable", err)
			return
		}
		mu.Lock()
		record.Mergeable = mergeable
		mu.Unlock()
	})
	wg.Go(func() {
		count, err := e.client.FetchCommentCount(ctx, ref)
		if err != nil {
			fail("comments", err)
			return
		}
		mu.Lock()
		record.CommentCount = count
		mu.Unlock()
	})
	wg.Wait()

	sort.Slice(failed, func(i, j int) bool { return failed[i].facet < failed[j].facet })

	var rateErr error
	for _, f := range failed {
		record.Missing = append(record.Missing, f.facet)
		if rateErr == nil && errors.IsRateLimit(f.err) {
			rateErr = f.err
		}
		e.logger.Debug("facet fetch failed", "key", ref.Key(), "facet", f.facet, "error", f.err)
	}

	fraction := float64(len(failed)) / float64(facetCount)
	if len(failed) > 0 && e.degraded(fraction) {
		record.Degraded = true
		record.Blocker = fmt.Sprintf("enrichment degraded: %d of %d lookups failed", len(failed), facetCount)
	}

	if reporter, ok := e.client.(RateLimitReporter); ok {
		if status, err := reporter.RateLimit(ctx); err == nil {
			record.RateLimit = &status
		}
	}

	return record, rateErr
}

func (e *Enricher) annotate(record *Enriched, entry Entry[Enriched]) {
	now := e.now()
	record.CacheAgeMs = entry.Age(now).Milliseconds()
	record.LastFetchedAt = entry.CachedAt
	record.Stale = entry.Stale(now)
}

type facetFailure struct {
	facet string
	err   error
}
