package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/sorrel/pkg/ratesaudit"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

const (
	MIMEApplicationNDJSON = "application/x-ndjson"
	defaultAuditDays      = 30
)

type RateAuditor interface {
	Validate(req ratesaudit.AuditRequest) error
	Run(ctx context.Context, req ratesaudit.AuditRequest, emit func(ratesaudit.Event) error) (*ratesaudit.Summary, error)
}

type RatesAuditHandler struct {
	auditor RateAuditor
	logger  ectologger.Logger
}

func NewRatesAuditHandler(auditor RateAuditor, logger ectologger.Logger) *RatesAuditHandler {
	return &RatesAuditHandler{auditor: auditor, logger: logger}
}

func (h *RatesAuditHandler) Register(g *echo.Group) {
	g.GET("/audit", h.Stream)
}

// Stream writes one JSON event per line and flushes after each. The scan
// ends when the client disconnects.
func (h *RatesAuditHandler) Stream(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "RatesAuditHandler.Stream")
	defer span.End()

	days, err := QueryInt(c, "days", defaultAuditDays)
	if err != nil {
		return err
	}
	fix := false
	if raw := c.QueryParam("fix"); raw != "" {
		if fix, err = strconv.ParseBool(raw); err != nil {
			return BadRequest("invalid fix: must be a boolean")
		}
	}
	req := ratesaudit.AuditRequest{Days: days, Fix: fix}
	if err := h.auditor.Validate(req); err != nil {
		return err
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, MIMEApplicationNDJSON)
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(res)
	summary, err := h.auditor.Run(ctx, req, func(evt ratesaudit.Event) error {
		if err := enc.Encode(evt); err != nil {
			return err
		}
		res.Flush()
		return nil
	})

	log := h.logger.WithContext(ctx)
	if summary != nil {
		log = log.WithFields(map[string]any{"checked": summary.Checked, "mismatches": summary.Mismatches})
	}
	if ctx.Err() != nil {
		log.Info("Rate audit client disconnected")
		return nil
	}
	return err
}
