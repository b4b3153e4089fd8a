// Package retry centralizes the retry policy applied to outbound analysis
// calls: bounded attempts, exponential backoff with jitter, and a
// transient-vs-permanent classifier supplied by the caller.
package retry

import (
	"context"
	"math/rand"
	"time"
)

type Policy struct {
	// MaxAttempts bounds total attempts (first try included). Defaults to 3.
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt; each further retry
	// doubles it up to MaxDelay. Defaults 500ms / 30s.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the fraction of the delay randomized in [-j, +j). Default 0.2.
	Jitter float64

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	if p.sleep == nil {
		p.sleep = sleepCtx
	}
	return p
}

// Do runs attempt up to MaxAttempts times. A nil error stops immediately; an
// error for which retryable returns false is returned as-is without further
// attempts. After exhaustion the last error is returned: callers distinguish
// "permanent" from "exhausted transient" by re-classifying it.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, attempt func(ctx context.Context, n int) error) error {
	p = p.withDefaults()
	var lastErr error
	for n := 1; n <= p.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = attempt(ctx, n)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if n < p.MaxAttempts {
			if err := p.sleep(ctx, p.Delay(n)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// Delay returns the backoff after the n-th failed attempt (1-based), with
// jitter applied.
func (p Policy) Delay(n int) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	spread := float64(d) * p.Jitter
	d += time.Duration(rand.Float64()*2*spread - spread)
	if d < 0 {
		d = 0
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
