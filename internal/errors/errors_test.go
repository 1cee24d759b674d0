package errors

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestProcessError_Format(t *testing.T) {
	err := NewProcessError("spawn failed", ErrSpawnFailed).WithCommand("pnpm dev")
	msg := err.Error()
	if !strings.Contains(msg, "command=pnpm dev") {
		t.Errorf("ProcessError message missing command: %q", msg)
	}
	if !Is(err, ErrSpawnFailed) {
		t.Error("ProcessError should match its wrapped sentinel")
	}
}

func TestProcessError_PIDNotSet(t *testing.T) {
	err := NewProcessError("spawn failed", nil)
	if strings.Contains(err.Error(), "pid=") {
		t.Errorf("unset PID should not appear in message: %q", err.Error())
	}
}

func TestServiceError_Format(t *testing.T) {
	err := NewServiceError("startup failed", ErrMissingDependency).
		WithService("dashboard").
		WithPort(3001)
	msg := err.Error()
	for _, want := range []string{"service=dashboard", "port=3001", "missing dependency"} {
		if !strings.Contains(msg, want) {
			t.Errorf("ServiceError message missing %q: %q", want, msg)
		}
	}
}

func TestStoreError_WrapsAndReleasesNothing(t *testing.T) {
	cause := New("disk full")
	err := NewStoreError("merge write failed", cause).WithKey("session-1")
	if Unwrap(err) != cause {
		t.Error("StoreError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "key=session-1") {
		t.Errorf("StoreError message missing key: %q", err.Error())
	}
}

func TestRateLimitError_RetryAfter(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		resetAt time.Time
		wantMin int
		wantMax int
	}{
		{"resets in 17 minutes", now.Add(17 * time.Minute), 1019, 1021},
		{"reset already passed", now.Add(-5 * time.Minute), 0, 0},
		{"resets now", now, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRateLimitError("graphql", tt.resetAt).WithClock(func() time.Time { return now })
			got := err.RetryAfter()
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("RetryAfter() = %d, want in [%d, %d]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestRateLimitError_Message(t *testing.T) {
	now := time.Now()
	err := NewRateLimitError("core", now.Add(30*time.Minute)).WithClock(func() time.Time { return now })
	msg := err.Error()
	if !strings.Contains(msg, RateLimitCode) {
		t.Errorf("message missing code: %q", msg)
	}
	if !strings.Contains(msg, "core") {
		t.Errorf("message missing resource: %q", msg)
	}
	if !strings.Contains(msg, "~30m") {
		t.Errorf("message missing minutes estimate: %q", msg)
	}
	if err.Code() != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("Code() = %q, want RATE_LIMIT_EXCEEDED", err.Code())
	}
}

func TestRateLimitError_Classification(t *testing.T) {
	err := NewRateLimitError("graphql", time.Now().Add(time.Hour))
	if !IsRetryable(err) {
		t.Error("rate limit errors should be retryable")
	}
	if !IsUserFacing(err) {
		t.Error("rate limit errors should be user facing")
	}
	if GetSeverity(err) != SeverityWarning {
		t.Errorf("GetSeverity = %v, want SeverityWarning", GetSeverity(err))
	}
	wrapped := Wrap(err, "enrichment failed")
	if !IsRateLimit(wrapped) {
		t.Error("IsRateLimit should see through wrapping")
	}
}

func TestTimeoutError_Retryable(t *testing.T) {
	err := NewTimeoutError("waiting for graceful exit", 5*time.Second)
	if !IsRetryable(err) {
		t.Error("timeout errors should be retryable")
	}
	if !Is(err, ErrTimeout) {
		t.Error("TimeoutError should match ErrTimeout")
	}
}

func TestNotFoundError_Format(t *testing.T) {
	err := NewNotFoundError("session", "abc123")
	want := "session 'abc123' not found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestValidationError_MatchesInvalidInput(t *testing.T) {
	err := NewValidationError("preferred port out of range").WithField("preferred").WithValue(70000)
	if !Is(err, ErrInvalidInput) {
		t.Error("ValidationError should match ErrInvalidInput")
	}
	msg := err.Error()
	if !strings.Contains(msg, "field=preferred") || !strings.Contains(msg, "value=70000") {
		t.Errorf("ValidationError message missing context: %q", msg)
	}
}

func TestIsRetryable_PlainErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", New("boom"), false},
		{"wrapped timeout sentinel", fmt.Errorf("op: %w", ErrTimeout), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrapf_NilPassthrough(t *testing.T) {
	if Wrapf(nil, "context %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}
	err := Wrapf(ErrRecordNotFound, "session %s", "abc")
	if !Is(err, ErrRecordNotFound) {
		t.Error("Wrapf should preserve the sentinel chain")
	}
}
