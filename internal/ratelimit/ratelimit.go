// Package ratelimit implements fixed-window rate limiting for the
// authentication endpoints, with a progressive variant that tightens the
// rule as observed failures for an identifier grow.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"canvas-cms/internal/observability"
)

// CounterStore is the pluggable counter backing. Increment bumps the counter
// for key, starting a fresh window (count 1) when the previous one has
// elapsed, and returns the new count plus the window's reset time.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// Rule is a named fixed-window limit.
type Rule struct {
	Capacity int64
	Window   time.Duration
}

// Result reports a rate-limit decision. Remaining and ResetAt are returned to
// clients so legitimate callers can back off.
type Result struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

const (
	// ActionLogin guards credential checks
	ActionLogin = "login"
	// ActionPasswordReset guards reset requests
	ActionPasswordReset = "password_reset"
	// ActionContactForm guards the public contact form
	ActionContactForm = "contact_form"
)

var (
	// generalRule is the coarse window applied by Check
	generalRule = Rule{Capacity: 50, Window: 5 * time.Minute}

	// defaultActionRule applies to unrecognized actions
	defaultActionRule = Rule{Capacity: 30, Window: time.Minute}

	actionRules = map[string]Rule{
		ActionLogin:         {Capacity: 5, Window: time.Hour},
		ActionPasswordReset: {Capacity: 3, Window: time.Hour},
		ActionContactForm:   {Capacity: 5, Window: time.Hour},
	}
)

// Limiter applies fixed-window rules over a CounterStore. Store errors fail
// open: limiting protects endpoints, it must never take them down.
type Limiter struct {
	store CounterStore
}

// New creates a limiter over the given counter store.
func New(store CounterStore) *Limiter {
	return &Limiter{store: store}
}

// Check applies the general window (50 requests per 5 minutes) to an
// identifier.
func (l *Limiter) Check(ctx context.Context, identifier string) Result {
	return l.apply(ctx, identifier+":general", generalRule, "general")
}

// CheckAction applies the named per-action rule to an identifier. Unknown
// actions fall back to the default rule.
func (l *Limiter) CheckAction(ctx context.Context, identifier, action string) Result {
	return l.apply(ctx, identifier+":"+action, ruleFor(action), action)
}

// Progressive applies a rule derived from the caller's failed-attempt count:
// one failure halves the capacity, three failures quarter it and double the
// window. Progressive counters use a distinct key suffix so they never
// collide with normally-limited buckets.
func (l *Limiter) Progressive(ctx context.Context, identifier, action string, failedAttempts int) Result {
	rule := ProgressiveRule(ruleFor(action), failedAttempts)
	return l.apply(ctx, identifier+":"+action+":progressive", rule, action)
}

// ProgressiveRule derives the tightened rule for a failed-attempt count.
func ProgressiveRule(base Rule, failedAttempts int) Rule {
	switch {
	case failedAttempts >= 3:
		base.Capacity = max64(base.Capacity/4, 1)
		base.Window *= 2
	case failedAttempts >= 1:
		base.Capacity = max64(base.Capacity/2, 1)
	}
	return base
}

func (l *Limiter) apply(ctx context.Context, key string, rule Rule, action string) Result {
	count, resetAt, err := l.store.Increment(ctx, key, rule.Window)
	if err != nil {
		// Fail open: an unavailable counter store must not block callers.
		slog.Error("rate limit counter store error, allowing request",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return Result{
			Allowed:   true,
			Remaining: rule.Capacity,
			ResetAt:   time.Now().Add(rule.Window),
		}
	}

	remaining := rule.Capacity - count
	if remaining < 0 {
		remaining = 0
	}

	if count > rule.Capacity {
		observability.RateLimitDenials.WithLabelValues(action).Inc()
		return Result{Remaining: 0, ResetAt: resetAt}
	}

	return Result{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}

func ruleFor(action string) Rule {
	if rule, ok := actionRules[action]; ok {
		return rule
	}
	return defaultActionRule
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// RetryAfter formats the seconds until a window resets, for response headers.
func RetryAfter(resetAt time.Time) string {
	secs := int(time.Until(resetAt).Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}
