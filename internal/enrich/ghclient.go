package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/wharf-sh/wharf/internal/errors"
)

// GHClient fetches pull request facets through the gh CLI, one invocation
// per facet. It implements Client and RateLimitReporter.
type GHClient struct {
	// run executes gh with the given arguments. Overridable for tests.
	run func(ctx context.Context, args ...string) ([]byte, error)
}

// NewGHClient creates a gh-CLI backed client. gh must be on PATH and
// authenticated.
func NewGHClient() *GHClient {
	return &GHClient{run: runGH}
}

func runGH(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("gh %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// viewField runs `gh pr view --json <field>` and decodes the response into
// out, mapping quota exhaustion to a RateLimitError.
func (c *GHClient) viewField(ctx context.Context, ref PullRef, field string, out any) error {
	raw, err := c.run(ctx, "pr", "view", fmt.Sprintf("%d", ref.Number),
		"--repo", fmt.Sprintf("%s/%s", ref.Owner, ref.Repo),
		"--json", field)
	if err != nil {
		return c.classify(ctx, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding gh pr view --json %s: %w", field, err)
	}
	return nil
}

// classify maps gh failures whose output names quota exhaustion to a
// RateLimitError carrying the reset time when it can be learned.
func (c *GHClient) classify(ctx context.Context, err error) error {
	if !strings.Contains(strings.ToLower(err.Error()), "rate limit") {
		return err
	}
	resetAt := time.Now().Add(time.Hour)
	if status, statusErr := c.RateLimit(ctx); statusErr == nil && !status.ResetAt.IsZero() {
		resetAt = status.ResetAt
	}
	return errors.NewRateLimitError("core", resetAt).WithCause(err)
}

// FetchStatus returns the pull request state (OPEN, CLOSED, MERGED).
func (c *GHClient) FetchStatus(ctx context.Context, ref PullRef) (string, error) {
	var resp struct {
		State string `json:"state"`
	}
	if err := c.viewField(ctx, ref, "state", &resp); err != nil {
		return "", err
	}
	return resp.State, nil
}

// FetchChecks returns the CI check rollup for the pull request head.
func (c *GHClient) FetchChecks(ctx context.Context, ref PullRef) ([]CheckRun, error) {
	var resp struct {
		StatusCheckRollup []struct {
			Name       string `json:"name"`
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
			Context    string `json:"context"`
			State      string `json:"state"`
		} `json:"statusCheckRollup"`
	}
	if err := c.viewField(ctx, ref, "statusCheckRollup", &resp); err != nil {
		return nil, err
	}

	checks := make([]CheckRun, 0, len(resp.StatusCheckRollup))
	for _, raw := range resp.StatusCheckRollup {
		check := CheckRun{Name: raw.Name, Status: raw.Status, Conclusion: raw.Conclusion}
		// Legacy commit statuses surface context/state instead.
		if check.Name == "" {
			check.Name = raw.Context
		}
		if check.Conclusion == "" {
			check.Conclusion = raw.State
		}
		checks = append(checks, check)
	}
	return checks, nil
}

// FetchReviewDecision returns the aggregated review decision
// (APPROVED, CHANGES_REQUESTED, REVIEW_REQUIRED, or empty).
func (c *GHClient) FetchReviewDecision(ctx context.Context, ref PullRef) (string, error) {
	var resp struct {
		ReviewDecision string `json:"reviewDecision"`
	}
	if err := c.viewField(ctx, ref, "reviewDecision", &resp); err != nil {
		return "", err
	}
	return resp.ReviewDecision, nil
}

// FetchMergeable returns the mergeability (MERGEABLE, CONFLICTING, UNKNOWN).
func (c *GHClient) FetchMergeable(ctx context.Context, ref PullRef) (string, error) {
	var resp struct {
		Mergeable string `json:"mergeable"`
	}
	if err := c.viewField(ctx, ref, "mergeable", &resp); err != nil {
		return "", err
	}
	return resp.Mergeable, nil
}

// FetchCommentCount returns the number of issue comments on the pull
// request.
func (c *GHClient) FetchCommentCount(ctx context.Context, ref PullRef) (int, error) {
	var resp struct {
		Comments []struct {
			Author struct {
				Login string `json:"login"`
			} `json:"author"`
		} `json:"comments"`
	}
	if err := c.viewField(ctx, ref, "comments", &resp); err != nil {
		return 0, err
	}
	return len(resp.Comments), nil
}

// RateLimit returns the core API quota snapshot via `gh api rate_limit`.
func (c *GHClient) RateLimit(ctx context.Context) (RateLimitStatus, error) {
	raw, err := c.run(ctx, "api", "rate_limit")
	if err != nil {
		return RateLimitStatus{}, err
	}

	var resp struct {
		Resources struct {
			Core struct {
				Limit     int   `json:"limit"`
				Remaining int   `json:"remaining"`
				Reset     int64 `json:"reset"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return RateLimitStatus{}, fmt.Errorf("decoding gh api rate_limit: %w", err)
	}

	core := resp.Resources.Core
	return RateLimitStatus{
		Resource:  "core",
		Remaining: core.Remaining,
		Limit:     core.Limit,
		ResetAt:   time.Unix(core.Reset, 0),
		IsLimited: core.Remaining == 0,
	}, nil
}
