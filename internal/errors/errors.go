// Package errors provides centralized error definitions and error handling
// utilities for the wharf codebase. It defines domain-specific errors,
// semantic error types, error constructors with context wrapping, and error
// classification helpers.
//
// # Error Types
//
// The package provides two categories of errors:
//
// Domain-specific errors represent errors from specific subsystems:
//   - ProcessError: errors related to spawning and terminating child processes
//   - ServiceError: errors related to service bundle lifecycle
//   - StoreError: errors related to session metadata persistence
//   - RateLimitError: upstream API quota exhaustion
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
// Creating errors:
//
//	// Domain-specific error
//	err := errors.NewProcessError("failed to spawn", cause).WithCommand("pnpm dev")
//
//	// Quota exhaustion with a known reset time
//	err := errors.NewRateLimitError("graphql", resetAt)
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrNoPortAvailable) { ... }
//
//	var rateErr *errors.RateLimitError
//	if errors.As(err, &rateErr) { wait(rateErr.RetryAfter()) }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RateLimitCode is the stable machine-readable code carried by RateLimitError.
const RateLimitCode = "RATE_LIMIT_EXCEEDED"

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Port-related sentinel errors
var (
	// ErrNoPortAvailable indicates that no free port was found near the
	// preferred value within the attempt budget.
	ErrNoPortAvailable = New("no port available")
	// ErrPortNotClaimed indicates an operation on a port this registry does not hold.
	ErrPortNotClaimed = New("port not claimed")
)

// Process-related sentinel errors
var (
	// ErrProcessNotFound indicates that the target process no longer exists.
	ErrProcessNotFound = New("process not found")
	// ErrProcessExited indicates that the process has already exited.
	ErrProcessExited = New("process already exited")
	// ErrSpawnFailed indicates that a child process failed to start.
	ErrSpawnFailed = New("process failed to start")
)

// Store-related sentinel errors
var (
	// ErrRecordNotFound indicates that a metadata record does not exist.
	ErrRecordNotFound = New("record not found")
	// ErrRecordCorrupted indicates that persisted metadata could not be decoded.
	ErrRecordCorrupted = New("record corrupted")
)

// Service-related sentinel errors
var (
	// ErrServiceNotRunning indicates that no process is listening on any
	// of a bundle's ports.
	ErrServiceNotRunning = New("service not running")
	// ErrMissingDependency indicates that a required executable or package
	// could not be located.
	ErrMissingDependency = New("missing dependency")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// WharfError is the base interface for all wharf errors.
// It extends the standard error interface with methods for classification.
type WharfError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ProcessError represents errors related to spawning or terminating child
// processes. The command description identifies which child failed without
// the caller having to thread exec details through unrelated call sites.
//
// Example:
//
//	err := errors.NewProcessError("spawn failed", cause).WithCommand("pnpm dev")
type ProcessError struct {
	baseError
	Command string
	PID     int
}

// NewProcessError creates a new ProcessError.
func NewProcessError(message string, cause error) *ProcessError {
	return &ProcessError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		PID: -1, // -1 indicates not set
	}
}

// WithCommand adds the command description to the error context.
func (e *ProcessError) WithCommand(command string) *ProcessError {
	e.Command = command
	return e
}

// WithPID adds the process ID to the error context.
func (e *ProcessError) WithPID(pid int) *ProcessError {
	e.PID = pid
	return e
}

// WithSeverity sets the error severity.
func (e *ProcessError) WithSeverity(s Severity) *ProcessError {
	e.severity = s
	return e
}

// WithCause adds an underlying cause while keeping the sentinel chain.
func (e *ProcessError) WithCause(cause error) *ProcessError {
	if e.cause != nil {
		e.cause = errors.Join(e.cause, cause)
	} else {
		e.cause = cause
	}
	return e
}

// Error returns the formatted error message.
func (e *ProcessError) Error() string {
	var parts []string
	if e.Command != "" {
		parts = append(parts, fmt.Sprintf("command=%s", e.Command))
	}
	if e.PID >= 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.PID))
	}

	prefix := "process error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("process error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ProcessError) Is(target error) bool {
	if _, ok := target.(*ProcessError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ServiceError represents errors related to service bundle lifecycle.
//
// Example:
//
//	err := errors.NewServiceError("startup failed", cause).WithService("dashboard").WithPort(3001)
type ServiceError struct {
	baseError
	Service string
	Port    int
}

// NewServiceError creates a new ServiceError.
func NewServiceError(message string, cause error) *ServiceError {
	return &ServiceError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithService adds the service name to the error context.
func (e *ServiceError) WithService(name string) *ServiceError {
	e.Service = name
	return e
}

// WithPort adds the port to the error context.
func (e *ServiceError) WithPort(port int) *ServiceError {
	e.Port = port
	return e
}

// WithSeverity sets the error severity.
func (e *ServiceError) WithSeverity(s Severity) *ServiceError {
	e.severity = s
	return e
}

// WithCause adds an underlying cause while keeping the sentinel chain.
func (e *ServiceError) WithCause(cause error) *ServiceError {
	if e.cause != nil {
		e.cause = errors.Join(e.cause, cause)
	} else {
		e.cause = cause
	}
	return e
}

// Error returns the formatted error message.
func (e *ServiceError) Error() string {
	var parts []string
	if e.Service != "" {
		parts = append(parts, fmt.Sprintf("service=%s", e.Service))
	}
	if e.Port > 0 {
		parts = append(parts, fmt.Sprintf("port=%d", e.Port))
	}

	prefix := "service error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("service error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ServiceError) Is(target error) bool {
	if _, ok := target.(*ServiceError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StoreError represents errors related to session metadata persistence.
//
// Example:
//
//	err := errors.NewStoreError("merge write failed", cause).WithKey("session-abc123")
type StoreError struct {
	baseError
	Key string
}

// NewStoreError creates a new StoreError.
func NewStoreError(message string, cause error) *StoreError {
	return &StoreError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithKey adds the record key to the error context.
func (e *StoreError) WithKey(key string) *StoreError {
	e.Key = key
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *StoreError) WithRetryable(r bool) *StoreError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *StoreError) Error() string {
	prefix := "store error"
	if e.Key != "" {
		prefix = fmt.Sprintf("store error [key=%s]", e.Key)
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *StoreError) Is(target error) bool {
	if _, ok := target.(*StoreError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// RateLimitError represents upstream API quota exhaustion. It records which
// resource was exhausted and when the quota resets, so callers can surface
// an actionable retry estimate instead of a bare failure.
//
// Example:
//
//	err := errors.NewRateLimitError("graphql", resetAt)
//	fmt.Println(err.RetryAfter()) // seconds until resetAt, floored at 0
type RateLimitError struct {
	baseError
	Resource string
	ResetAt  time.Time

	// now is overridable for tests; defaults to time.Now.
	now func() time.Time
}

// NewRateLimitError creates a new RateLimitError for the given resource and
// quota reset time.
func NewRateLimitError(resource string, resetAt time.Time) *RateLimitError {
	return &RateLimitError{
		baseError: baseError{
			message:    "rate limit exceeded",
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Resource: resource,
		ResetAt:  resetAt,
		now:      time.Now,
	}
}

// WithCause adds a cause to the error.
func (e *RateLimitError) WithCause(cause error) *RateLimitError {
	e.cause = cause
	return e
}

// WithClock overrides the clock used for retry-after derivation. Tests only.
func (e *RateLimitError) WithClock(now func() time.Time) *RateLimitError {
	e.now = now
	return e
}

// Code returns the stable machine-readable error code.
func (e *RateLimitError) Code() string {
	return RateLimitCode
}

// RetryAfter returns the number of seconds until the quota resets,
// floored at zero if the reset time has already passed.
func (e *RateLimitError) RetryAfter() int {
	secs := int(e.ResetAt.Sub(e.now()).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}

// Error returns the formatted error message, naming the exhausted resource
// and the approximate minutes until reset.
func (e *RateLimitError) Error() string {
	mins := (e.RetryAfter() + 59) / 60
	msg := fmt.Sprintf("%s [%s]: %s quota exhausted, resets in ~%dm",
		RateLimitCode, e.Resource, e.Resource, mins)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *RateLimitError) Is(target error) bool {
	if _, ok := target.(*RateLimitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("session", "abc123")
//	fmt.Println(err) // "session 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("preferred port out of range").WithField("preferred")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("waiting for graceful exit", 5*time.Second)
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. Rate limit errors and timeouts are retryable;
// spawn/validation errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var wharfErr WharfError
	if As(err, &wharfErr) {
		return wharfErr.IsRetryable()
	}

	if Is(err, ErrTimeout) {
		return true
	}

	return false
}

// IsUserFacing returns true if the error message is safe to display to
// end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var wharfErr WharfError
	if As(err, &wharfErr) {
		return wharfErr.IsUserFacing()
	}

	var notFound *NotFoundError
	var validation *ValidationError
	var timeout *TimeoutError

	if As(err, &notFound) || As(err, &validation) || As(err, &timeout) {
		return true
	}

	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement WharfError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var wharfErr WharfError
	if As(err, &wharfErr) {
		return wharfErr.Severity()
	}

	return SeverityError
}

// IsRateLimit returns true if the error (or any error it wraps) is a
// RateLimitError.
func IsRateLimit(err error) bool {
	var rateErr *RateLimitError
	return As(err, &rateErr)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to stop bundle")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to update session %s", sessionID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
