package fetch

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"

	"github.com/sourcehound/harvester/internal/harvest"
)

// RetryPolicy decides retry eligibility and backoff with jitter.
type RetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryPolicy builds a policy. Zero values fall back to defaults.
func NewRetryPolicy(maxRetries int, base, max time.Duration) *RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	return &RetryPolicy{maxRetries: maxRetries, baseDelay: base, maxDelay: max}
}

// ShouldRetry reports whether the error is retryable at this attempt.
// Only timeouts, network failures and transient vendor codes are retried;
// everything else propagates immediately.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if harvest.IsTransientVendor(err) {
		return true
	}
	var ve *harvest.VendorError
	if errors.As(err, &ve) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// Backoff returns the wait duration before the next attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
