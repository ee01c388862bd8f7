package repositories

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/sorrel/pkg/database"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

const syncJobErrorsTable = "sync_job_errors"

var syncJobErrorStruct = database.NewStruct(new(models.SyncJobError))

// SyncJobErrorRepository is the failure ledger. Rows are never deleted.
type SyncJobErrorRepository struct {
	*Repository
}

func NewSyncJobErrorRepository(db database.DB, logger ectologger.Logger) *SyncJobErrorRepository {
	return &SyncJobErrorRepository{Repository: NewRepository(db, logger)}
}

// RecordFailure creates the unit's row on its first failure and updates the
// retry bookkeeping on later ones. exhausted marks the unit's last attempt.
// Writes are dropped once the job is cancelled or no longer processing.
func (r *SyncJobErrorRepository) RecordFailure(ctx context.Context, jobID uuid.UUID, unit models.Unit, attempt int, code models.ErrorCode, message string, exhausted bool) error {
	ctx, span := tracing.StartSpan(ctx, "SyncJobErrorRepository.RecordFailure")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	var dateFrom, dateTo any
	var identifier any
	if unit.Stage == models.UnitStageList {
		dateFrom, dateTo = unit.DateFrom, unit.DateTo
	} else {
		identifier = unit.Identifier
	}

	query := `
		INSERT INTO sync_job_errors (id, job_id, stage, chunk_number, date_from, date_to, identifier,
			error_message, error_code, retry_attempts, is_retried, resolved, exhausted, created_at, updated_at)
		SELECT $1::uuid, j.id, $4::varchar, $5::int, $6::date, $7::date, $8::text,
			$9::text, $10::varchar, $11::int, $11::int > 0, FALSE, $12::boolean, NOW(), NOW()
		FROM sync_jobs j
		WHERE j.tenant_id = $2 AND j.id = $3 AND j.status = 'processing' AND j.cancelled_at IS NULL
		ON CONFLICT (job_id, stage, chunk_number) DO UPDATE
		SET error_message = EXCLUDED.error_message,
			error_code = EXCLUDED.error_code,
			retry_attempts = GREATEST(sync_job_errors.retry_attempts, EXCLUDED.retry_attempts),
			is_retried = sync_job_errors.is_retried OR EXCLUDED.is_retried,
			resolved = FALSE,
			exhausted = EXCLUDED.exhausted,
			updated_at = NOW()`

	_, err = r.DB(ctx).ExecContext(ctx, query,
		uuid.New(), tenantID, jobID, unit.Stage, unit.Number, dateFrom, dateTo, identifier,
		message, code, attempt, exhausted,
	)
	if err != nil {
		r.log(ctx, map[string]any{"job_id": jobID, "stage": unit.Stage, "chunk": unit.Number}).WithError(err).Error("failed to record unit failure")
		return internal("failed to record unit failure")
	}
	return nil
}

// Resolve marks a unit's row as recovered by a later retry. The row stays for audit.
// Like RecordFailure it is a no-op once the job is cancelled or finished.
func (r *SyncJobErrorRepository) Resolve(ctx context.Context, jobID uuid.UUID, unit models.Unit, retries int) error {
	ctx, span := tracing.StartSpan(ctx, "SyncJobErrorRepository.Resolve")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(syncJobErrorsTable).
		Set(
			ub.Assign("retry_attempts", retries),
			ub.Assign("is_retried", retries > 0),
			ub.Assign("resolved", true),
			ub.Assign("exhausted", false),
			ub.Assign("updated_at", database.Now()),
		).
		Where(
			ub.Equal("job_id", jobID),
			ub.Equal("stage", unit.Stage),
			ub.Equal("chunk_number", unit.Number),
			"EXISTS (SELECT 1 FROM sync_jobs j WHERE j.id = sync_job_errors.job_id AND j.status = 'processing' AND j.cancelled_at IS NULL)",
		)

	query, args := ub.Build()
	if _, err := r.DB(ctx).ExecContext(ctx, query, args...); err != nil {
		r.log(ctx, map[string]any{"job_id": jobID, "chunk": unit.Number}).WithError(err).Error("failed to resolve unit failure")
		return internal("failed to resolve unit failure")
	}
	return nil
}

// ListByJob pages through a job's ledger, oldest first, with the total row count.
func (r *SyncJobErrorRepository) ListByJob(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]models.SyncJobError, int, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobErrorRepository.ListByJob")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, 0, err
	}

	owned := database.NewSelectBuilder()
	owned.Select("id").From(syncJobsTable).Where(owned.Equal("tenant_id", tenantID), owned.Equal("id", jobID))

	cb := database.NewSelectBuilder()
	cb.Select("COUNT(*)").From(syncJobErrorsTable).Where(cb.In("job_id", owned))
	countQuery, countArgs := cb.Build()

	var total int
	if err := r.DB(ctx).GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		r.log(ctx, map[string]any{"job_id": jobID}).WithError(err).Error("failed to count ledger rows")
		return nil, 0, internal("failed to list sync job errors")
	}

	sb := syncJobErrorStruct.SelectFrom(syncJobErrorsTable)
	sb.Where(sb.In("job_id", owned))
	sb.OrderBy("created_at", "stage", "chunk_number")
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	rows := []models.SyncJobError{}
	if err := r.DB(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.log(ctx, map[string]any{"job_id": jobID}).WithError(err).Error("failed to list ledger rows")
		return nil, 0, internal("failed to list sync job errors")
	}
	return rows, total, nil
}

// FailedNumbers returns the units of a stage that failed for good: unresolved
// with their retries exhausted or a permanent code.
func (r *SyncJobErrorRepository) FailedNumbers(ctx context.Context, jobID uuid.UUID, stage models.UnitStage) ([]int, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobErrorRepository.FailedNumbers")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("chunk_number").From(syncJobErrorsTable).
		Where(
			sb.Equal("job_id", jobID),
			sb.Equal("stage", stage),
			sb.Equal("resolved", false),
			sb.Equal("exhausted", true),
		).
		OrderBy("chunk_number")

	query, args := sb.Build()
	numbers := []int{}
	if err := r.DB(ctx).SelectContext(ctx, &numbers, query, args...); err != nil {
		r.log(ctx, map[string]any{"job_id": jobID, "stage": stage}).WithError(err).Error("failed to list failed units")
		return nil, internal("failed to list failed units")
	}
	return numbers, nil
}

// PendingUnits returns a stage's unresolved rows that still have attempts left,
// left behind by a run that stopped mid-retry.
func (r *SyncJobErrorRepository) PendingUnits(ctx context.Context, jobID uuid.UUID, stage models.UnitStage) ([]models.SyncJobError, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobErrorRepository.PendingUnits")
	defer span.End()

	sb := syncJobErrorStruct.SelectFrom(syncJobErrorsTable)
	sb.Where(
		sb.Equal("job_id", jobID),
		sb.Equal("stage", stage),
		sb.Equal("resolved", false),
		sb.Equal("exhausted", false),
	).OrderBy("chunk_number")

	query, args := sb.Build()
	rows := []models.SyncJobError{}
	if err := r.DB(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		r.log(ctx, map[string]any{"job_id": jobID, "stage": stage}).WithError(err).Error("failed to list pending units")
		return nil, internal("failed to list pending units")
	}
	return rows, nil
}

func (r *SyncJobErrorRepository) MaxChunkNumber(ctx context.Context, jobID uuid.UUID, stage models.UnitStage) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobErrorRepository.MaxChunkNumber")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("COALESCE(MAX(chunk_number), 0)").From(syncJobErrorsTable).
		Where(sb.Equal("job_id", jobID), sb.Equal("stage", stage))

	query, args := sb.Build()
	var n int
	if err := r.DB(ctx).GetContext(ctx, &n, query, args...); err != nil {
		r.log(ctx, map[string]any{"job_id": jobID, "stage": stage}).WithError(err).Error("failed to read ledger high-water mark")
		return 0, internal("failed to read ledger")
	}
	return n, nil
}
