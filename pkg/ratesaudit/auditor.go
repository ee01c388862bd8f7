// Package ratesaudit compares the cached exchange rates against the source
// day by day and reports the result as a stream of events.
package ratesaudit

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/shopspring/decimal"

	"github.com/Ramsey-B/sorrel/pkg/chunking"
	"github.com/Ramsey-B/sorrel/pkg/metrics"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

type EventType string

const (
	EventProgress EventType = "progress"
	EventMismatch EventType = "mismatch"
	EventDayError EventType = "day_error"
	EventDone     EventType = "done"
)

// Event is one NDJSON line. Progress and done carry running totals.
type Event struct {
	Type        EventType        `json:"type"`
	Date        string           `json:"date,omitempty"`
	Currency    string           `json:"currency,omitempty"`
	CachedValue *decimal.Decimal `json:"cached_value,omitempty"`
	SourceValue *decimal.Decimal `json:"source_value,omitempty"`
	Diff        *decimal.Decimal `json:"diff,omitempty"`
	Fixed       bool             `json:"fixed,omitempty"`
	Message     string           `json:"message,omitempty"`
	Checked     int              `json:"checked,omitempty"`
	Total       int              `json:"total,omitempty"`
	Mismatches  int              `json:"mismatches,omitempty"`
	Missing     int              `json:"missing,omitempty"`
	Errors      int              `json:"errors,omitempty"`
}

type AuditRequest struct {
	Days int
	Fix  bool
}

type Summary struct {
	Checked    int `json:"checked"`
	Total      int `json:"total"`
	Mismatches int `json:"mismatches"`
	Missing    int `json:"missing"`
	Errors     int `json:"errors"`
	Fixed      int `json:"fixed"`
}

type RateStore interface {
	ListByDate(ctx context.Context, date time.Time) ([]models.ExchangeRate, error)
	Upsert(ctx context.Context, rates []models.ExchangeRate) error
}

type Auditor struct {
	rates     RateStore
	source    Source
	tolerance decimal.Decimal
	maxDays   int
	logger    ectologger.Logger
	now       func() time.Time
}

func NewAuditor(rates RateStore, source Source, tolerance decimal.Decimal, maxDays int, logger ectologger.Logger) *Auditor {
	return &Auditor{rates: rates, source: source, tolerance: tolerance.Abs(), maxDays: maxDays, logger: logger, now: time.Now}
}

func (a *Auditor) Validate(req AuditRequest) error {
	if req.Days < 1 || req.Days > a.maxDays {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "days must be between 1 and %d", a.maxDays)
	}
	return nil
}

// Run scans today-Days+1 through today. emit is called for every event; an
// emit error or a done ctx ends the scan after the current day. The summary
// always reflects the days actually scanned.
func (a *Auditor) Run(ctx context.Context, req AuditRequest, emit func(Event) error) (*Summary, error) {
	ctx, span := tracing.StartSpan(ctx, "ratesaudit.Run")
	defer span.End()

	if err := a.Validate(req); err != nil {
		return nil, err
	}

	log := a.logger.WithContext(ctx).WithFields(map[string]any{"days": req.Days, "fix": req.Fix})
	today := chunking.Date(a.now())
	summary := &Summary{Total: req.Days}

	for i := req.Days - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			log.WithField("checked", summary.Checked).Info("rate audit stopped by caller")
			return summary, err
		}

		day := today.AddDate(0, 0, -i)
		if err := a.auditDay(ctx, day, req.Fix, summary, emit); err != nil {
			return summary, err
		}
		summary.Checked++

		if err := emit(a.totals(EventProgress, day, summary)); err != nil {
			return summary, err
		}
	}

	log.WithFields(map[string]any{"mismatches": summary.Mismatches, "missing": summary.Missing}).Info("rate audit finished")
	return summary, emit(a.totals(EventDone, time.Time{}, summary))
}

func (a *Auditor) auditDay(ctx context.Context, day time.Time, fix bool, summary *Summary, emit func(Event) error) error {
	date := day.Format(time.DateOnly)

	cached, err := a.rates.ListByDate(ctx, day)
	if err == nil {
		var source []models.ExchangeRate
		source, err = a.source.RatesForDate(ctx, day)
		if err == nil {
			return a.compare(ctx, day, cached, source, fix, summary, emit)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	summary.Errors++
	a.logger.WithContext(ctx).WithError(err).WithField("date", date).Warn("rate audit could not check day")
	return emit(Event{Type: EventDayError, Date: date, Message: err.Error()})
}

func (a *Auditor) compare(ctx context.Context, day time.Time, cached, source []models.ExchangeRate, fix bool, summary *Summary, emit func(Event) error) error {
	date := day.Format(time.DateOnly)
	byCode := make(map[string]decimal.Decimal, len(cached))
	for _, r := range cached {
		byCode[r.CurrencyCode] = r.Rate
	}

	var repairs []models.ExchangeRate
	var mismatches []Event
	for _, src := range source {
		have, ok := byCode[src.CurrencyCode]
		if !ok {
			summary.Missing++
			repairs = append(repairs, src)
			continue
		}
		diff := have.Sub(src.Rate).Abs()
		if !diff.GreaterThan(a.tolerance) {
			continue
		}
		cachedValue, sourceValue := have, src.Rate
		mismatches = append(mismatches, Event{
			Type:        EventMismatch,
			Date:        date,
			Currency:    src.CurrencyCode,
			CachedValue: &cachedValue,
			SourceValue: &sourceValue,
			Diff:        &diff,
		})
		repairs = append(repairs, src)
	}

	fixed := false
	if fix && len(repairs) > 0 {
		if err := a.rates.Upsert(ctx, repairs); err != nil {
			a.logger.WithContext(ctx).WithError(err).WithField("date", date).Error("failed to repair cached rates")
		} else {
			fixed = true
			summary.Fixed += len(repairs)
		}
	}

	for _, evt := range mismatches {
		summary.Mismatches++
		metrics.RateAuditMismatches.Inc()
		evt.Fixed = fixed
		if err := emit(evt); err != nil {
			return err
		}
	}
	return nil
}

func (a *Auditor) totals(t EventType, day time.Time, s *Summary) Event {
	evt := Event{
		Type:       t,
		Checked:    s.Checked,
		Total:      s.Total,
		Mismatches: s.Mismatches,
		Missing:    s.Missing,
		Errors:     s.Errors,
	}
	if !day.IsZero() {
		evt.Date = day.Format(time.DateOnly)
	}
	return evt
}
