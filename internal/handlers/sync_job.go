package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/syncjob"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
	"github.com/Ramsey-B/sorrel/pkg/utils"
)

const (
	defaultErrorsLimit = 50
	maxErrorsLimit     = 500
)

type SyncService interface {
	StartSync(ctx context.Context, req syncjob.StartRequest) (*models.SyncJob, error)
	CancelSync(ctx context.Context, jobID uuid.UUID) (*models.SyncJob, error)
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (*syncjob.JobStatus, error)
	GetCurrentJob(ctx context.Context) (*syncjob.JobStatus, error)
	GetJobErrors(ctx context.Context, jobID uuid.UUID, limit, offset int) (*syncjob.ErrorsPage, error)
}

type SyncJobHandler struct {
	engine SyncService
	logger ectologger.Logger
}

func NewSyncJobHandler(engine SyncService, logger ectologger.Logger) *SyncJobHandler {
	return &SyncJobHandler{engine: engine, logger: logger}
}

type StartSyncRequest struct {
	DateFrom string `json:"date_from" validate:"required,datetime=2006-01-02"`
	DateTo   string `json:"date_to" validate:"required,datetime=2006-01-02"`
}

func (h *SyncJobHandler) Register(g *echo.Group) {
	g.POST("", h.Start)
	g.GET("/current", h.Current)
	g.GET("/:id", h.Get)
	g.POST("/:id/cancel", h.Cancel)
	g.GET("/:id/errors", h.Errors)
}

func (h *SyncJobHandler) Start(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "SyncJobHandler.Start")
	defer span.End()

	req, err := utils.BindRequest[StartSyncRequest](c)
	if err != nil {
		return err
	}
	from, _ := time.Parse(time.DateOnly, req.DateFrom)
	to, _ := time.Parse(time.DateOnly, req.DateTo)

	job, err := h.engine.StartSync(ctx, syncjob.StartRequest{DateFrom: from, DateTo: to, Trigger: models.TriggerManual})
	if errors.Is(err, syncjob.ErrAlreadyRunning) {
		if current, cerr := h.engine.GetCurrentJob(ctx); cerr == nil {
			return httperror.NewHTTPError(http.StatusConflict, err.Error()).AddMetaValue("job_id", current.ID.String())
		}
		return httperror.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return err
	}
	return CreatedResponse(c, job)
}

func (h *SyncJobHandler) Current(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "SyncJobHandler.Current")
	defer span.End()

	status, err := h.engine.GetCurrentJob(ctx)
	if err != nil {
		return err
	}
	return SuccessResponse(c, status)
}

func (h *SyncJobHandler) Get(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "SyncJobHandler.Get")
	defer span.End()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	status, err := h.engine.GetJobStatus(ctx, id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, status)
}

func (h *SyncJobHandler) Cancel(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "SyncJobHandler.Cancel")
	defer span.End()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	job, err := h.engine.CancelSync(ctx, id)
	if err != nil {
		return err
	}
	h.logger.WithContext(ctx).WithField("job_id", id).Info("Sync job cancellation accepted")
	return AcceptedResponse(c, job)
}

func (h *SyncJobHandler) Errors(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "SyncJobHandler.Errors")
	defer span.End()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	limit, err := QueryInt(c, "limit", defaultErrorsLimit)
	if err != nil {
		return err
	}
	offset, err := QueryInt(c, "offset", 0)
	if err != nil {
		return err
	}
	if limit < 1 || limit > maxErrorsLimit || offset < 0 {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "limit must be between 1 and %d and offset must not be negative", maxErrorsLimit)
	}

	page, err := h.engine.GetJobErrors(ctx, id, limit, offset)
	if err != nil {
		return err
	}
	return SuccessResponse(c, page)
}
