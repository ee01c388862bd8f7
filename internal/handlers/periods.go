package handlers

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/sorrel/pkg/periods"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

const (
	defaultLookbackDays = 1095
	defaultPeriodDays   = 7
)

type PeriodService interface {
	GetPeriodsStatus(ctx context.Context, lookbackDays, periodDays int) (*periods.Report, error)
}

type PeriodHandler struct {
	reconciler PeriodService
}

func NewPeriodHandler(reconciler PeriodService) *PeriodHandler {
	return &PeriodHandler{reconciler: reconciler}
}

func (h *PeriodHandler) Register(g *echo.Group) {
	g.GET("/periods", h.Status)
}

func (h *PeriodHandler) Status(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "PeriodHandler.Status")
	defer span.End()

	lookback, err := QueryInt(c, "lookback_days", defaultLookbackDays)
	if err != nil {
		return err
	}
	period, err := QueryInt(c, "period_days", defaultPeriodDays)
	if err != nil {
		return err
	}

	report, err := h.reconciler.GetPeriodsStatus(ctx, lookback, period)
	if err != nil {
		return err
	}
	return SuccessResponse(c, report)
}
