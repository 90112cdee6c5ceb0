// Package fetch wraps one external call with a governor permit, a per-call
// timeout and bounded retry with backoff.
package fetch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sourcehound/harvester/internal/governor"
	"github.com/sourcehound/harvester/internal/harvest"
	"github.com/sourcehound/harvester/internal/metrics"
)

// Transport issues the raw vendor call. Implemented by proxy.Client.
type Transport interface {
	Do(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error)
}

// Config controls per-call behavior.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Client is a governed fetcher. A permit is held only for the duration of a
// single attempt, never across a backoff sleep, so governor slots are not
// starved by waiting retries.
type Client struct {
	transport Transport
	gov       *governor.Governor
	policy    *RetryPolicy
	timeout   time.Duration
	logger    *zap.Logger
}

// New constructs a Client.
func New(transport Transport, gov *governor.Governor, cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		transport: transport,
		gov:       gov,
		policy:    NewRetryPolicy(cfg.MaxRetries, cfg.BackoffMin, cfg.BackoffMax),
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

// Fetch performs the call, retrying transient failures up to the configured
// bound. The permit is released unconditionally after each attempt.
func (c *Client) Fetch(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !c.policy.ShouldRetry(err, attempt) {
			return harvest.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, lastErr)
		}
		metrics.IncRetry()
		c.logger.Debug("retrying fetch",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if err := sleep(ctx, c.policy.Backoff(attempt)); err != nil {
			return harvest.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, err)
		}
	}
}

func (c *Client) attempt(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	if err := c.gov.Acquire(ctx); err != nil {
		return harvest.FetchResponse{}, err
	}
	defer func() {
		c.gov.Release()
		metrics.SetGovernorInFlight(c.gov.InFlight())
	}()
	metrics.SetGovernorInFlight(c.gov.InFlight())

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.transport.Do(callCtx, req)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
