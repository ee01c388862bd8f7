// Package scheduler starts automatic syncs for tenants that opted in, adopts
// jobs abandoned by dead instances and drives the daily rate refresh.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/sorrel/pkg/chunking"
	appctx "github.com/Ramsey-B/sorrel/pkg/context"
	"github.com/Ramsey-B/sorrel/pkg/metrics"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/redis"
	"github.com/Ramsey-B/sorrel/pkg/syncjob"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

var ErrSchedulerAlreadyRunning = errors.New("scheduler already running")

const (
	DefaultPollInterval = 5 * time.Minute
	DefaultLockTTL      = time.Minute
	LockKeyPrefix       = "scheduler:tenant:"
)

type DueTenants interface {
	TenantsDueForSync(ctx context.Context, every time.Duration) ([]uuid.UUID, error)
}

type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

type Engine interface {
	StartSync(ctx context.Context, req syncjob.StartRequest) (*models.SyncJob, error)
	Resume(ctx context.Context) (int, error)
}

type RateRefresher interface {
	RefreshToday(ctx context.Context) (bool, error)
}

type Config struct {
	PollInterval time.Duration
	LockTTL      time.Duration
	// SyncEvery is the minimum time between automatic syncs of one tenant.
	SyncEvery    time.Duration
	LookbackDays int
}

type Scheduler struct {
	repo   DueTenants
	locker Locker
	engine Engine
	rates  RateRefresher
	config Config
	logger ectologger.Logger
	now    func() time.Time

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.Mutex
}

// NewScheduler builds a scheduler. rates may be nil to skip the refresh.
func NewScheduler(repo DueTenants, locker Locker, engine Engine, rates RateRefresher, config Config, logger ectologger.Logger) *Scheduler {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	return &Scheduler{
		repo:     repo,
		locker:   locker,
		engine:   engine,
		rates:    rates,
		config:   config,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		stoppedC: make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	s.running = true

	s.logger.WithContext(ctx).Infof("Starting scheduler: poll_interval=%s sync_every=%s", s.config.PollInterval, s.config.SyncEvery)
	go s.pollLoop(context.WithoutCancel(ctx))
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle performs one scheduling pass.
func (s *Scheduler) RunCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.RunCycle")
	defer span.End()
	log := s.logger.WithContext(ctx)

	if n, err := s.engine.Resume(ctx); err != nil {
		log.WithError(err).Error("Failed to resume stale sync jobs")
	} else if n > 0 {
		log.Infof("Resumed %d stale sync jobs", n)
	}

	if s.rates != nil {
		if ran, err := s.rates.RefreshToday(ctx); err != nil {
			log.WithError(err).Error("Exchange rate refresh failed")
		} else if ran {
			log.Info("Exchange rates refreshed")
		}
	}

	tenants, err := s.repo.TenantsDueForSync(ctx, s.config.SyncEvery)
	if err != nil {
		log.WithError(err).Error("Failed to list tenants due for sync")
		return
	}

	started, skipped := 0, 0
	for _, tenantID := range tenants {
		err := s.syncTenant(ctx, tenantID)
		switch {
		case err == nil:
			started++
		case errors.Is(err, redis.ErrLockNotAcquired), errors.Is(err, syncjob.ErrAlreadyRunning):
			skipped++
		default:
			log.WithError(err).WithField("tenant_id", tenantID).Warn("Failed to start scheduled sync")
		}
	}
	if len(tenants) > 0 {
		log.Infof("Scheduling cycle completed: started=%d skipped=%d", started, skipped)
	}
}

func (s *Scheduler) syncTenant(ctx context.Context, tenantID uuid.UUID) error {
	ctx = appctx.SetTenantID(ctx, tenantID.String())
	return s.locker.WithLock(ctx, LockKeyPrefix+tenantID.String(), s.config.LockTTL, func(ctx context.Context) error {
		today := chunking.Date(s.now())
		_, err := s.engine.StartSync(ctx, syncjob.StartRequest{
			DateFrom: today.AddDate(0, 0, -s.config.LookbackDays),
			DateTo:   today,
			Trigger:  models.TriggerScheduled,
		})
		if err == nil {
			metrics.SchedulerSyncsStarted.Inc()
		}
		return err
	})
}
