// Package syncjob runs the two-stage declaration sync: a chunked list stage
// over the requested date range, then a per-identifier detail stage.
package syncjob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/sorrel/pkg/chunking"
	appctx "github.com/Ramsey-B/sorrel/pkg/context"
	"github.com/Ramsey-B/sorrel/pkg/customs"
	"github.com/Ramsey-B/sorrel/pkg/kafka"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/ratelimit"
	"github.com/Ramsey-B/sorrel/pkg/repositories"
	"github.com/Ramsey-B/sorrel/pkg/secrets"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

// ErrAlreadyRunning is returned by StartSync when the tenant has a processing job.
var ErrAlreadyRunning = errors.New("a sync job is already running for this tenant")

// Mapper derives the normalized summary from a merged payload.
type Mapper interface {
	Map(payload map[string]any) (*models.DeclarationSummary, []models.DeclarationCode, error)
}

type Deps struct {
	Jobs        repositories.SyncJobRepo
	Ledger      repositories.SyncJobErrorRepo
	Declaration repositories.DeclarationRepo
	Credentials repositories.TenantCredentialRepo
	System      repositories.SystemRepo
	Upstream    customs.API
	Decryptor   secrets.Decryptor
	Mapper      Mapper
	Limiter     ratelimit.Limiter
	Events      kafka.Publisher
}

// Engine owns every sync job run in this process.
type Engine struct {
	Deps
	cfg    Config
	logger ectologger.Logger
	now    func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	runs    sync.WaitGroup
}

func NewEngine(deps Deps, cfg Config, logger ectologger.Logger) *Engine {
	if deps.Events == nil {
		deps.Events = kafka.Discard{}
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		Deps:    deps,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		baseCtx: ctx,
		stop:    stop,
	}
}

type StartRequest struct {
	DateFrom time.Time
	DateTo   time.Time
	Trigger  models.Trigger
}

// StartSync creates a processing job for the tenant on ctx and runs it in the
// background. No row is created when the tenant already has a processing job.
func (e *Engine) StartSync(ctx context.Context, req StartRequest) (*models.SyncJob, error) {
	ctx, span := tracing.StartSpan(ctx, "syncjob.StartSync")
	defer span.End()

	tenantID, err := repositories.GetTenantID(ctx)
	if err != nil {
		return nil, err
	}
	from, to := chunking.Date(req.DateFrom), chunking.Date(req.DateTo)
	if err := e.validateRange(from, to); err != nil {
		return nil, err
	}
	if req.Trigger == "" {
		req.Trigger = models.TriggerManual
	}

	job := &models.SyncJob{
		Trigger:     req.Trigger,
		DateFrom:    from,
		DateTo:      to,
		ChunkDays:   e.cfg.ChunkDays,
		TotalChunks: chunking.Count(from, to, e.cfg.ChunkDays),
	}
	created, err := e.Jobs.CreateProcessing(ctx, job)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrAlreadyRunning
	}

	e.log(ctx).WithFields(map[string]any{
		"job_id":       job.ID,
		"date_from":    from.Format(time.DateOnly),
		"date_to":      to.Format(time.DateOnly),
		"total_chunks": job.TotalChunks,
	}).Info("sync job started")

	if err := e.Credentials.TouchLastSync(ctx); err != nil {
		e.log(ctx).WithError(err).Warn("failed to record last sync time")
	}
	e.publish(ctx, kafka.EventJobStarted, job)
	e.launch(tenantID, job)
	return job, nil
}

func (e *Engine) validateRange(from, to time.Time) error {
	if from.After(to) {
		return httperror.NewHTTPError(http.StatusBadRequest, "date_from must not be after date_to")
	}
	if to.After(chunking.Date(e.now())) {
		return httperror.NewHTTPError(http.StatusBadRequest, "date_to must not be in the future")
	}
	if days := int(to.Sub(from)/(24*time.Hour)) + 1; days > e.cfg.MaxRangeDays {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "date range covers %d days, the maximum is %d", days, e.cfg.MaxRangeDays)
	}
	return nil
}

// CancelSync requests cancellation. The running job stops at its next unit boundary.
func (e *Engine) CancelSync(ctx context.Context, jobID uuid.UUID) (*models.SyncJob, error) {
	ctx, span := tracing.StartSpan(ctx, "syncjob.CancelSync")
	defer span.End()

	job, err := e.Jobs.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	e.log(ctx).WithField("job_id", jobID).Info("sync job cancellation requested")
	return job, nil
}

// JobStatus is a job with its derived progress percentages.
type JobStatus struct {
	*models.SyncJob
	ListProgress   float64 `json:"list_progress"`
	DetailProgress float64 `json:"detail_progress"`
}

func newJobStatus(job *models.SyncJob) *JobStatus {
	return &JobStatus{SyncJob: job, ListProgress: job.ListProgress(), DetailProgress: job.DetailProgress()}
}

func (e *Engine) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	job, err := e.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return newJobStatus(job), nil
}

// GetCurrentJob returns the processing job, or the most recent one.
func (e *Engine) GetCurrentJob(ctx context.Context) (*JobStatus, error) {
	job, err := e.Jobs.GetLatest(ctx)
	if err != nil {
		return nil, err
	}
	return newJobStatus(job), nil
}

type ErrorsPage struct {
	Items  []models.SyncJobError `json:"items"`
	Total  int                   `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

func (e *Engine) GetJobErrors(ctx context.Context, jobID uuid.UUID, limit, offset int) (*ErrorsPage, error) {
	if _, err := e.Jobs.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	items, total, err := e.Ledger.ListByJob(ctx, jobID, limit, offset)
	if err != nil {
		return nil, err
	}
	return &ErrorsPage{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// Resume picks up processing jobs whose runner stopped heartbeating, such as
// jobs interrupted by a restart. Each job is claimed by exactly one instance.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "syncjob.Resume")
	defer span.End()

	stale, err := e.System.StaleProcessingJobs(ctx, e.cfg.StaleAfter)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, s := range stale {
		claimed, err := e.System.ClaimStaleJob(ctx, s.ID, e.cfg.StaleAfter)
		if err != nil {
			return resumed, err
		}
		if !claimed {
			continue
		}

		tenantCtx := appctx.SetTenantID(ctx, s.TenantID.String())
		job, err := e.Jobs.GetByID(tenantCtx, s.ID)
		if err != nil {
			return resumed, err
		}
		e.log(tenantCtx).WithFields(map[string]any{"job_id": job.ID, "stage": job.Stage}).Info("resuming sync job")
		e.launch(s.TenantID, job)
		resumed++
	}
	return resumed, nil
}

// Shutdown interrupts running jobs and waits for them to return. Interrupted
// jobs stay processing and are picked up by Resume on the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sync jobs did not stop: %w", ctx.Err())
	}
}

func (e *Engine) launch(tenantID uuid.UUID, job *models.SyncJob) {
	ctx := appctx.SetTenantID(e.baseCtx, tenantID.String())
	ctx = appctx.SetJobID(ctx, job.ID.String())

	e.runs.Add(1)
	go func() {
		defer e.runs.Done()
		e.run(ctx, job)
	}()
}

func (e *Engine) publish(ctx context.Context, eventType string, job *models.SyncJob) {
	evt := &kafka.JobEvent{
		Type:            eventType,
		TenantID:        job.TenantID.String(),
		JobID:           job.ID.String(),
		Status:          string(job.Status),
		Trigger:         string(job.Trigger),
		DateFrom:        job.DateFrom.Format(time.DateOnly),
		DateTo:          job.DateTo.Format(time.DateOnly),
		CompletedChunks: job.CompletedChunks,
		TotalChunks:     job.TotalChunks,
		CompletedGuids:  job.CompletedGuids,
		TotalGuids:      job.TotalGuids,
	}
	if job.ErrorMessage != nil {
		evt.ErrorMessage = *job.ErrorMessage
	}
	if err := e.Events.PublishJobEvent(ctx, evt); err != nil {
		e.log(ctx).WithError(err).Warnf("failed to publish %s", eventType)
	}
}

func (e *Engine) log(ctx context.Context) ectologger.Logger {
	return e.logger.WithContext(ctx).WithFields(appctx.Fields(ctx))
}
