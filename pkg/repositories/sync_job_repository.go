package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/sorrel/pkg/database"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

const syncJobsTable = "sync_jobs"

var syncJobStruct = database.NewStruct(new(models.SyncJob))

// SyncJobRepository persists sync jobs for the tenant on the context.
type SyncJobRepository struct {
	*Repository
}

func NewSyncJobRepository(db database.DB, logger ectologger.Logger) *SyncJobRepository {
	return &SyncJobRepository{Repository: NewRepository(db, logger)}
}

// CreateProcessing inserts job as processing unless the tenant already has a
// processing job. The partial unique index makes check and insert one step.
func (r *SyncJobRepository) CreateProcessing(ctx context.Context, job *models.SyncJob) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.CreateProcessing")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return false, err
	}
	job.TenantID = tenantID
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = models.SyncJobStatusProcessing
	job.Stage = models.StageListInProgress

	query := `
		INSERT INTO sync_jobs (id, tenant_id, status, stage, trigger, date_from, date_to,
			chunk_days, total_chunks, started_at, heartbeat_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), NOW(), NOW())
		ON CONFLICT (tenant_id) WHERE status = 'processing' DO NOTHING
		RETURNING started_at, heartbeat_at, created_at, updated_at`

	err = r.DB(ctx).QueryRowxContext(ctx, query,
		job.ID, job.TenantID, job.Status, job.Stage, job.Trigger, job.DateFrom, job.DateTo,
		job.ChunkDays, job.TotalChunks,
	).Scan(&job.StartedAt, &job.HeartbeatAt, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.log(ctx, map[string]any{"job_id": job.ID}).WithError(err).Error("failed to create sync job")
		return false, internal("failed to create sync job")
	}

	r.log(ctx, map[string]any{"job_id": job.ID, "total_chunks": job.TotalChunks}).Infof("Created %s row", syncJobsTable)
	return true, nil
}

func (r *SyncJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := syncJobStruct.SelectFrom(syncJobsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var job models.SyncJob
	err = r.DB(ctx).GetContext(ctx, &job, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "sync job %s does not exist", id)
	}
	if err != nil {
		r.log(ctx, map[string]any{"job_id": id}).WithError(err).Error("failed to get sync job")
		return nil, internal("failed to get sync job")
	}
	return &job, nil
}

// GetLatest returns the processing job if there is one, otherwise the most recent job.
func (r *SyncJobRepository) GetLatest(ctx context.Context) (*models.SyncJob, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.GetLatest")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := syncJobStruct.SelectFrom(syncJobsTable)
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.OrderBy("(status = 'processing') DESC", "created_at DESC")
	sb.Limit(1)

	query, args := sb.Build()
	var job models.SyncJob
	err = r.DB(ctx).GetContext(ctx, &job, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "no sync job has run for this tenant")
	}
	if err != nil {
		r.log(ctx, nil).WithError(err).Error("failed to get latest sync job")
		return nil, internal("failed to get latest sync job")
	}
	return &job, nil
}

// MarkChunkCompleted records list chunk n as done. It is idempotent per chunk
// and reports false when nothing changed.
func (r *SyncJobRepository) MarkChunkCompleted(ctx context.Context, id uuid.UUID, chunkNumber int) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.MarkChunkCompleted")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE sync_jobs
		SET completed_chunks = completed_chunks + 1,
			completed_chunk_numbers = array_append(completed_chunk_numbers, $3::bigint),
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
			AND status = 'processing' AND cancelled_at IS NULL
			AND completed_chunks < total_chunks
			AND NOT ($3::bigint = ANY(completed_chunk_numbers))`

	return r.execGuarded(ctx, "failed to record chunk completion", map[string]any{"job_id": id, "chunk": chunkNumber},
		query, tenantID, id, chunkNumber)
}

// FinishListStage moves the checkpoint past the list stage once every chunk
// has settled. Chunks that failed for good do not hold it back; the detail
// stage starts from whatever the completed chunks stored.
func (r *SyncJobRepository) FinishListStage(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.FinishListStage")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(syncJobsTable).
		Set(
			ub.Assign("stage", models.StageListDone),
			ub.Assign("updated_at", database.Now()),
		).
		Where(
			ub.Equal("tenant_id", tenantID),
			ub.Equal("id", id),
			ub.Equal("status", models.SyncJobStatusProcessing),
			ub.Equal("stage", models.StageListInProgress),
		)

	query, args := ub.Build()
	_, err = r.execGuarded(ctx, "failed to finish list stage", map[string]any{"job_id": id}, query, args...)
	return err
}

// BeginDetailStage records the detail workload size and enters the detail stage.
func (r *SyncJobRepository) BeginDetailStage(ctx context.Context, id uuid.UUID, totalGuids int) error {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.BeginDetailStage")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(syncJobsTable).
		Set(
			ub.Assign("stage", models.StageDetailInProgress),
			ub.Assign("total_guids", totalGuids),
			ub.Assign("completed_guids", 0),
			ub.Assign("updated_at", database.Now()),
		).
		Where(
			ub.Equal("tenant_id", tenantID),
			ub.Equal("id", id),
			ub.Equal("status", models.SyncJobStatusProcessing),
			ub.Equal("stage", models.StageListDone),
		)

	query, args := ub.Build()
	_, err = r.execGuarded(ctx, "failed to begin detail stage", map[string]any{"job_id": id, "total_guids": totalGuids}, query, args...)
	return err
}

func (r *SyncJobRepository) IncrementGuids(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.IncrementGuids")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE sync_jobs
		SET completed_guids = completed_guids + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
			AND status = 'processing' AND cancelled_at IS NULL
			AND completed_guids < total_guids`

	return r.execGuarded(ctx, "failed to record detail completion", map[string]any{"job_id": id}, query, tenantID, id)
}

// Finish moves a processing job to a terminal status. Completion also closes the stage checkpoint.
// Once cancelled_at is stamped only the cancelled status is accepted, so a
// late completion reports false instead of overwriting the cancel.
func (r *SyncJobRepository) Finish(ctx context.Context, id uuid.UUID, status models.SyncJobStatus, message *string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.Finish")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return false, err
	}

	ub := database.NewUpdateBuilder()
	assignments := []string{
		ub.Assign("status", status),
		ub.Assign("error_message", message),
		ub.Assign("finished_at", database.Now()),
		ub.Assign("updated_at", database.Now()),
	}
	if status == models.SyncJobStatusCompleted {
		assignments = append(assignments, ub.Assign("stage", models.StageDone))
	}
	where := []string{
		ub.Equal("tenant_id", tenantID),
		ub.Equal("id", id),
		ub.Equal("status", models.SyncJobStatusProcessing),
	}
	if status != models.SyncJobStatusCancelled {
		where = append(where, ub.IsNull("cancelled_at"))
	}
	ub.Update(syncJobsTable).Set(assignments...).Where(where...)

	query, args := ub.Build()
	ok, err := r.execGuarded(ctx, "failed to finish sync job", map[string]any{"job_id": id, "status": status}, query, args...)
	if err == nil && ok {
		r.log(ctx, map[string]any{"job_id": id}).Infof("Marked %s as %s", syncJobsTable, status)
	}
	return ok, err
}

// RequestCancel stamps cancelled_at on a processing job. Nothing is stopped
// here; the job's watcher notices the stamp.
func (r *SyncJobRepository) RequestCancel(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.RequestCancel")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE sync_jobs
		SET cancelled_at = COALESCE(cancelled_at, NOW()), updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = 'processing'`

	if _, err := r.execGuarded(ctx, "failed to cancel sync job", map[string]any{"job_id": id}, query, tenantID, id); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// Heartbeat refreshes heartbeat_at and reports whether cancellation was requested
// or the job already left processing.
func (r *SyncJobRepository) Heartbeat(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.Heartbeat")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return false, err
	}

	query := `
		UPDATE sync_jobs
		SET heartbeat_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING cancelled_at IS NOT NULL OR status <> 'processing'`

	var stop bool
	err = r.DB(ctx).QueryRowxContext(ctx, query, tenantID, id).Scan(&stop)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		r.log(ctx, map[string]any{"job_id": id}).WithError(err).Warn("failed to heartbeat sync job")
		return false, internal("failed to heartbeat sync job")
	}
	return stop, nil
}

func (r *SyncJobRepository) execGuarded(ctx context.Context, message string, fields map[string]any, query string, args ...any) (bool, error) {
	result, err := r.DB(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.log(ctx, fields).WithError(err).Error(message)
		return false, internal(message)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		r.log(ctx, fields).WithError(err).Error(message)
		return false, internal(message)
	}
	return rows > 0, nil
}
