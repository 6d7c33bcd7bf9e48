// Package ratelimit enforces per-(consumer, tool) request budgets.
//
// Strict limits are coordinated through a single shared store and never
// admit more than Limit calls in any trailing window. Approximate limits are
// counted locally and reconciled with the shared store periodically, so a
// fleet of replicas may briefly overshoot.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/i2y/toolgate/internal/domain"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long a rejected caller should wait, relative to now.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || d.ResetAt.IsZero() {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Limiter admits or rejects one call under rule for key.
type Limiter interface {
	Allow(ctx context.Context, key string, rule domain.RateLimit) (Decision, error)
}

// Clock returns the current time.
type Clock func() time.Time

// Key builds the limiter key for one consumer calling one tool of a project.
func Key(project, consumer, tool string) string {
	return strings.Join([]string{project, consumer, tool}, ":")
}

// unlimited is returned for rules that carry no budget.
func unlimited() Decision {
	return Decision{Allowed: true}
}

func validRule(rule domain.RateLimit) bool {
	return rule.Limit > 0 && rule.Window.Std() > 0
}

// Router selects a limiter by the rule's mode.
type Router struct {
	strict      Limiter
	approximate Limiter
}

// NewRouter returns a limiter dispatching strict and approximate rules.
// A nil approximate limiter falls back to strict.
func NewRouter(strict, approximate Limiter) *Router {
	if approximate == nil {
		approximate = strict
	}
	return &Router{strict: strict, approximate: approximate}
}

// Allow implements Limiter.
func (r *Router) Allow(ctx context.Context, key string, rule domain.RateLimit) (Decision, error) {
	if !validRule(rule) {
		return unlimited(), nil
	}
	if rule.Mode == domain.RateLimitApproximate {
		return r.approximate.Allow(ctx, key, rule)
	}
	return r.strict.Allow(ctx, key, rule)
}
