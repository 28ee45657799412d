package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config sets the per-account token bucket. Defaults keep well under Google's
// per-user quota.
type Config struct {
	RefillPerSecond float64
	Burst           int
}

// Status is a read-only view of one account's bucket.
type Status struct {
	Capacity  int       `json:"capacity"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

const (
	penaltyBase = time.Second
	penaltyCap  = 5 * time.Minute
)

// Limiter bounds outbound provider calls with one token bucket per account.
// Buckets are in-memory only and rebuilt from configuration at process start.
type Limiter struct {
	config Config

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter *rate.Limiter

	mu          sync.Mutex
	pausedUntil time.Time
	consecutive int
}

// New creates a limiter with the given per-account configuration.
func New(config Config) *Limiter {
	if config.RefillPerSecond <= 0 {
		config.RefillPerSecond = 5
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	return &Limiter{
		config:  config,
		buckets: make(map[string]*bucket),
	}
}

// Acquire blocks until cost tokens are available for the account or the
// context is cancelled. Callers must pass a cancellable context.
func (l *Limiter) Acquire(ctx context.Context, accountID string, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	b := l.bucket(accountID)

	b.mu.Lock()
	pause := time.Until(b.pausedUntil)
	b.mu.Unlock()
	if pause > 0 {
		timer := time.NewTimer(pause)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait for account %s: %w", accountID, ctx.Err())
		case <-timer.C:
		}
	}

	if err := b.limiter.WaitN(ctx, cost); err != nil {
		// WaitN fails with its own error when the deadline cannot be met;
		// surface a context error so callers can classify the failure.
		cause := ctx.Err()
		if cause == nil {
			cause = context.DeadlineExceeded
		}
		return fmt.Errorf("rate limit wait for account %s: %w", accountID, cause)
	}

	b.mu.Lock()
	if !b.pausedUntil.IsZero() && time.Now().After(b.pausedUntil) {
		b.pausedUntil = time.Time{}
		b.consecutive = 0
	}
	b.mu.Unlock()
	return nil
}

// Penalize drains the account's bucket after a provider-reported rate limit.
// retryAfter comes from the provider's Retry-After hint; when absent the pause
// backs off exponentially from a fixed base per consecutive penalty.
func (l *Limiter) Penalize(accountID string, retryAfter time.Duration) {
	b := l.bucket(accountID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if retryAfter <= 0 {
		retryAfter = penaltyBase << b.consecutive
		if retryAfter > penaltyCap {
			retryAfter = penaltyCap
		}
	}
	b.consecutive++
	b.pausedUntil = time.Now().Add(retryAfter)

	// Drain whatever is left so the pause governs the next refill.
	b.limiter.AllowN(time.Now(), int(b.limiter.Tokens()))
}

// Status reports capacity, remaining tokens, and when the bucket is next
// usable, for observability endpoints.
func (l *Limiter) Status(accountID string) Status {
	b := l.bucket(accountID)

	b.mu.Lock()
	paused := b.pausedUntil
	b.mu.Unlock()

	remaining := int(b.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	resetAt := time.Now()
	if remaining < l.config.Burst {
		deficit := float64(l.config.Burst - remaining)
		resetAt = resetAt.Add(time.Duration(deficit / l.config.RefillPerSecond * float64(time.Second)))
	}
	if paused.After(resetAt) {
		resetAt = paused
	}
	return Status{
		Capacity:  l.config.Burst,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) bucket(accountID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[accountID]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(l.config.RefillPerSecond), l.config.Burst),
		}
		l.buckets[accountID] = b
	}
	return b
}
