package enrich

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wharf-sh/wharf/internal/errors"
)

func TestGHClient_FetchStatus(t *testing.T) {
	var gotArgs []string
	client := &GHClient{run: func(ctx context.Context, args ...string) ([]byte, error) {
		gotArgs = args
		return []byte(`{"state":"MERGED"}`), nil
	}}

	status, err := client.FetchStatus(context.Background(), testRef)
	require.NoError(t, err)
	assert.Equal(t, "MERGED", status)
	assert.Equal(t,
		[]string{"pr", "view", "42", "--repo", "wharf-sh/wharf", "--json", "state"},
		gotArgs)
}

func TestGHClient_FetchChecksNormalizesLegacyStatuses(t *testing.T) {
	client := &GHClient{run: func(ctx context.Context, args ...string) ([]byte, error) {
		return []byte(`{"statusCheckRollup":[
			{"name":"build","status":"completed","conclusion":"success"},
			{"context":"ci/legacy","state":"failure"}
		]}`), nil
	}}

	checks, err := client.FetchChecks(context.Background(), testRef)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.Equal(t, CheckRun{Name: "build", Status: "completed", Conclusion: "success"}, checks[0])
	assert.Equal(t, "ci/legacy", checks[1].Name)
	assert.Equal(t, "failure", checks[1].Conclusion)
}

func TestGHClient_FetchCommentCount(t *testing.T) {
	client := &GHClient{run: func(ctx context.Context, args ...string) ([]byte, error) {
		return []byte(`{"comments":[{"author":{"login":"a"}},{"author":{"login":"b"}}]}`), nil
	}}

	count, err := client.FetchCommentCount(context.Background(), testRef)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestGHClient_MapsQuotaExhaustionToRateLimitError(t *testing.T) {
	reset := time.Now().Add(20 * time.Minute).Unix()
	client := &GHClient{run: func(ctx context.Context, args ...string) ([]byte, error) {
		if args[0] == "api" && args[1] == "rate_limit" {
			return []byte(fmt.Sprintf(
				`{"resources":{"core":{"limit":5000,"remaining":0,"reset":%d}}}`, reset)), nil
		}
		return nil, fmt.Errorf("gh pr: exit status 1: API rate limit exceeded for user")
	}}

	_, err := client.FetchStatus(context.Background(), testRef)
	require.Error(t, err)
	require.True(t, errors.IsRateLimit(err))

	var rateErr *errors.RateLimitError
	require.True(t, errors.As(err, &rateErr))
	assert.Equal(t, "core", rateErr.Resource)
	assert.Equal(t, time.Unix(reset, 0), rateErr.ResetAt)
	assert.True(t, strings.Contains(err.Error(), "RATE_LIMIT_EXCEEDED"))
}

func TestGHClient_NonQuotaFailurePassesThrough(t *testing.T) {
	client := &GHClient{run: func(ctx context.Context, args ...string) ([]byte, error) {
		return nil, fmt.Errorf("gh pr: exit status 1: could not resolve repository")
	}}

	_, err := client.FetchMergeable(context.Background(), testRef)
	require.Error(t, err)
	assert.False(t, errors.IsRateLimit(err))
}

func TestGHClient_RateLimit(t *testing.T) {
	reset := time.Now().Add(time.Hour).Unix()
	client := &GHClient{run: func(ctx context.Context, args ...string) ([]byte, error) {
		return []byte(fmt.Sprintf(
			`{"resources":{"core":{"limit":5000,"remaining":4200,"reset":%d}}}`, reset)), nil
	}}

	status, err := client.RateLimit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "core", status.Resource)
	assert.Equal(t, 4200, status.Remaining)
	assert.Equal(t, 5000, status.Limit)
	assert.Equal(t, time.Unix(reset, 0), status.ResetAt)
	assert.False(t, status.IsLimited)
}
