package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrDeploymentNotFound = errors.New("deployment not found")
	ErrToolNotFound       = errors.New("tool not found")
	ErrConsumerNotFound   = errors.New("consumer not found")
	ErrPlanNotFound       = errors.New("pricing plan not found")
	ErrDuplicateTool      = errors.New("duplicate tool name")
)

// Violation is a single schema violation.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// ValidationError aggregates every violation found in a payload.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "invalid arguments"
	}
	lines := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		lines[i] = v.String()
	}
	return strings.Join(lines, "\n")
}

// AuthError rejects an unknown or unauthorized credential, or a plan-restricted tool.
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string { return e.Reason }

// Unauthenticated returns a 401 AuthError.
func Unauthenticated(reason string) *AuthError {
	return &AuthError{Status: http.StatusUnauthorized, Reason: reason}
}

// Forbidden returns a 403 AuthError.
func Forbidden(reason string) *AuthError {
	return &AuthError{Status: http.StatusForbidden, Reason: reason}
}

// RateLimitError is returned when a consumer exceeds a tool's rate limit.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests exceeded, retry after %s", e.Limit, e.RetryAfter.Round(time.Second))
}

// RetryAfterSeconds rounds the hint up to whole seconds, at least one.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// OriginError carries an upstream failure.
type OriginError struct {
	Tool       string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *OriginError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("origin timed out invoking %s", e.Tool)
	case e.StatusCode != 0:
		return fmt.Sprintf("origin returned status %d for %s: %v", e.StatusCode, e.Tool, e.Err)
	default:
		return fmt.Sprintf("origin failed for %s: %v", e.Tool, e.Err)
	}
}

func (e *OriginError) Unwrap() error { return e.Err }

// Status is 504 for timeouts and 502 otherwise.
func (e *OriginError) Status() int {
	if e.Timeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// PricingConfigError lists every pricing inconsistency of a deployment config.
type PricingConfigError struct {
	Issues []string
}

func (e *PricingConfigError) Error() string {
	return "invalid pricing config:\n" + strings.Join(e.Issues, "\n")
}

// ToolConfigError aggregates every problem found while resolving a
// deployment's tools.
type ToolConfigError struct {
	Issues []string
}

func (e *ToolConfigError) Error() string {
	return "invalid tool config:\n" + strings.Join(e.Issues, "\n")
}

// NotFoundError reports an unknown deployment or tool.
type NotFoundError struct {
	Kind string
	Name string
	Err  error
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.Name) }

func (e *NotFoundError) Unwrap() error { return e.Err }

// InternalError wraps an unexpected failure.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *InternalError) Unwrap() error { return e.Err }

// StatusCode maps err to the HTTP status returned to callers.
func StatusCode(err error) int {
	var (
		verr *ValidationError
		aerr *AuthError
		rerr *RateLimitError
		oerr *OriginError
		perr *PricingConfigError
		terr *ToolConfigError
		nerr *NotFoundError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &verr), errors.As(err, &perr), errors.As(err, &terr):
		return http.StatusBadRequest
	case errors.As(err, &aerr):
		return aerr.Status
	case errors.As(err, &rerr):
		return http.StatusTooManyRequests
	case errors.As(err, &oerr):
		return oerr.Status()
	case errors.As(err, &nerr):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message shown to callers; internal failures are not exposed.
func PublicMessage(err error) string {
	if StatusCode(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
