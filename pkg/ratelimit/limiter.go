package ratelimit

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/semaphore"

	"github.com/Ramsey-B/sorrel/pkg/redis"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

const minWait = 50 * time.Millisecond

// Limiter gates upstream calls: a process-wide concurrency ceiling shared by
// every job, then a per-tenant call budget shared by every instance.
type Limiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
	Throttle(ctx context.Context, key string, d time.Duration)
}

type Config struct {
	// Concurrency is the number of upstream calls in flight in this process.
	Concurrency int64
	// Limit calls per Window per key; zero disables the shared budget.
	Limit  int64
	Window time.Duration
}

type Manager struct {
	sem     *semaphore.Weighted
	limiter *redis.RateLimiter
	cfg     Config
	logger  ectologger.Logger
}

// NewManager builds a Limiter. limiter may be nil, which leaves only the
// concurrency ceiling.
func NewManager(limiter *redis.RateLimiter, cfg Config, logger ectologger.Logger) *Manager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Manager{
		sem:     semaphore.NewWeighted(cfg.Concurrency),
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Acquire blocks until a slot and a budget token are available for key.
func (m *Manager) Acquire(ctx context.Context, key string) (func(), error) {
	ctx, span := tracing.StartSpan(ctx, "ratelimit.Acquire")
	defer span.End()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	release := func() { m.sem.Release(1) }

	if err := m.waitForBudget(ctx, key); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (m *Manager) waitForBudget(ctx context.Context, key string) error {
	if m.limiter == nil || m.cfg.Limit <= 0 {
		return nil
	}

	for {
		res, err := m.limiter.Allow(ctx, key, m.cfg.Limit, m.cfg.Window)
		if err != nil {
			// The budget is advisory; an unavailable Redis must not stall syncs.
			m.logger.WithContext(ctx).WithError(err).Warn("rate limit check failed, continuing without budget")
			return nil
		}
		if res.Allowed {
			return nil
		}

		wait := max(res.RetryIn, minWait)
		m.logger.WithContext(ctx).Debugf("rate budget for %s exhausted, waiting %s", key, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Throttle closes the budget for key, typically from a 429 Retry-After hint.
func (m *Manager) Throttle(ctx context.Context, key string, d time.Duration) {
	if m.limiter == nil || d <= 0 {
		return
	}
	if err := m.limiter.BlockFor(ctx, key, d); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("failed to apply upstream throttle")
	}
}
