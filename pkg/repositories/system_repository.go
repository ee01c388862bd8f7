package repositories

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/sorrel/pkg/database"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

// StaleJob identifies a processing job whose runner stopped heartbeating.
type StaleJob struct {
	ID       uuid.UUID `db:"id"`
	TenantID uuid.UUID `db:"tenant_id"`
}

// SystemRepo holds the cross-tenant queries used by background loops. These
// are the only statements that do not read the tenant from context.
type SystemRepo interface {
	StaleProcessingJobs(ctx context.Context, staleAfter time.Duration) ([]StaleJob, error)
	ClaimStaleJob(ctx context.Context, id uuid.UUID, staleAfter time.Duration) (bool, error)
	TenantsDueForSync(ctx context.Context, every time.Duration) ([]uuid.UUID, error)
	TryAdvanceLease(ctx context.Context, name, holder string, day time.Time) (bool, error)
}

type SystemRepository struct {
	*Repository
}

func NewSystemRepository(db database.DB, logger ectologger.Logger) *SystemRepository {
	return &SystemRepository{Repository: NewRepository(db, logger)}
}

func (r *SystemRepository) StaleProcessingJobs(ctx context.Context, staleAfter time.Duration) ([]StaleJob, error) {
	ctx, span := tracing.StartSpan(ctx, "SystemRepository.StaleProcessingJobs")
	defer span.End()

	query := `
		SELECT id, tenant_id
		FROM sync_jobs
		WHERE status = 'processing'
			AND (heartbeat_at IS NULL OR heartbeat_at < NOW() - make_interval(secs => $1))
		ORDER BY created_at`

	jobs := []StaleJob{}
	if err := r.DB(ctx).SelectContext(ctx, &jobs, query, staleAfter.Seconds()); err != nil {
		r.log(ctx, nil).WithError(err).Error("failed to list stale sync jobs")
		return nil, internal("failed to list stale sync jobs")
	}
	return jobs, nil
}

// ClaimStaleJob refreshes the heartbeat only if it is still stale, so exactly
// one instance resumes a given job.
func (r *SystemRepository) ClaimStaleJob(ctx context.Context, id uuid.UUID, staleAfter time.Duration) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "SystemRepository.ClaimStaleJob")
	defer span.End()

	query := `
		UPDATE sync_jobs SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND cancelled_at IS NULL
			AND (heartbeat_at IS NULL OR heartbeat_at < NOW() - make_interval(secs => $2))`

	res, err := r.DB(ctx).ExecContext(ctx, query, id, staleAfter.Seconds())
	if err != nil {
		r.log(ctx, map[string]any{"job_id": id}).WithError(err).Error("failed to claim stale sync job")
		return false, internal("failed to claim sync job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, internal("failed to claim sync job")
	}
	return n == 1, nil
}

// TenantsDueForSync lists auto-sync tenants with no processing job whose last
// sync is older than every.
func (r *SystemRepository) TenantsDueForSync(ctx context.Context, every time.Duration) ([]uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "SystemRepository.TenantsDueForSync")
	defer span.End()

	query := `
		SELECT c.tenant_id
		FROM tenant_credentials c
		WHERE c.auto_sync = TRUE
			AND (c.last_sync_at IS NULL OR c.last_sync_at < NOW() - make_interval(secs => $1))
			AND NOT EXISTS (
				SELECT 1 FROM sync_jobs j WHERE j.tenant_id = c.tenant_id AND j.status = 'processing'
			)
		ORDER BY c.last_sync_at NULLS FIRST`

	tenants := []uuid.UUID{}
	if err := r.DB(ctx).SelectContext(ctx, &tenants, query, every.Seconds()); err != nil {
		r.log(ctx, nil).WithError(err).Error("failed to list tenants due for sync")
		return nil, internal("failed to list tenants due for sync")
	}
	return tenants, nil
}

// TryAdvanceLease moves the named lease to day if it has not reached it yet.
// Only the caller that wins the update should run the daily task.
func (r *SystemRepository) TryAdvanceLease(ctx context.Context, name, holder string, day time.Time) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "SystemRepository.TryAdvanceLease")
	defer span.End()

	query := `
		UPDATE scheduler_leases SET last_run_on = $2::date, holder = $3, updated_at = NOW()
		WHERE name = $1 AND last_run_on < $2::date`

	res, err := r.DB(ctx).ExecContext(ctx, query, name, day.Format(time.DateOnly), holder)
	if err != nil {
		r.log(ctx, map[string]any{"lease": name}).WithError(err).Error("failed to advance lease")
		return false, internal("failed to advance lease")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, internal("failed to advance lease")
	}
	return n == 1, nil
}
