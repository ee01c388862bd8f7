// Package periods reports how complete the local declaration mirror is, in
// fixed-size time buckets computed from stored rows only.
package periods

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sorrel/pkg/chunking"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/repositories"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

const MaxLookbackDays = 3650

type Bucketer interface {
	PeriodBuckets(ctx context.Context, windowStart, windowEnd time.Time, periodDays int) ([]repositories.PeriodBucket, error)
}

type Reconciler struct {
	repo   Bucketer
	logger ectologger.Logger
	now    func() time.Time
}

func NewReconciler(repo Bucketer, logger ectologger.Logger) *Reconciler {
	return &Reconciler{repo: repo, logger: logger, now: time.Now}
}

// Report is the reconciled window.
type Report struct {
	WindowStart    time.Time                   `json:"window_start"`
	WindowEnd      time.Time                   `json:"window_end"`
	PeriodDays     int                         `json:"period_days"`
	Periods        []models.Period             `json:"periods"`
	Total          int                         `json:"total"`
	TotalFull      int                         `json:"total_full"`
	Counts         map[models.PeriodStatus]int `json:"counts"`
	BackfillRanges []chunking.DateRange        `json:"backfill_ranges"`
}

// Window returns [start of day today-lookbackDays, end of day today].
func Window(now time.Time, lookbackDays int) (time.Time, time.Time) {
	today := chunking.Date(now)
	return today.AddDate(0, 0, -lookbackDays), today.AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// GetPeriodsStatus buckets the tenant's declarations over the lookback window.
func (r *Reconciler) GetPeriodsStatus(ctx context.Context, lookbackDays, periodDays int) (*Report, error) {
	ctx, span := tracing.StartSpan(ctx, "periods.GetPeriodsStatus")
	defer span.End()

	if lookbackDays < 0 || lookbackDays > MaxLookbackDays {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "lookback_days must be between 0 and %d", MaxLookbackDays)
	}
	if periodDays < 1 {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "period_days must be at least 1")
	}

	start, end := Window(r.now(), lookbackDays)
	buckets, err := r.repo.PeriodBuckets(ctx, start, end, periodDays)
	if err != nil {
		return nil, err
	}

	report := &Report{
		WindowStart: start,
		WindowEnd:   end,
		PeriodDays:  periodDays,
		Periods:     Build(start, end, periodDays, buckets),
		Counts:      map[models.PeriodStatus]int{},
	}
	for _, p := range report.Periods {
		report.Total += p.Count
		report.TotalFull += p.FullDataCount
		report.Counts[p.Status]++
	}
	report.BackfillRanges = MissingRanges(report.Periods)

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"lookback_days": lookbackDays,
		"period_days":   periodDays,
		"periods":       len(report.Periods),
		"total":         report.Total,
	}).Debug("period status computed")
	return report, nil
}

// Build partitions [start, end] into contiguous periods of periodDays and
// fills them from buckets. The last period is clipped to end.
func Build(start, end time.Time, periodDays int, buckets []repositories.PeriodBucket) []models.Period {
	byIndex := make(map[int]repositories.PeriodBucket, len(buckets))
	for _, b := range buckets {
		byIndex[b.Bucket] = b
	}

	var periods []models.Period
	for i, from := 0, start; !from.After(end); i++ {
		next := from.AddDate(0, 0, periodDays)
		to := next.Add(-time.Nanosecond)
		if to.After(end) {
			to = end
		}
		b := byIndex[i]
		periods = append(periods, models.Period{
			Start:         from,
			End:           to,
			Status:        Classify(b.Count, b.Full),
			Count:         b.Count,
			FullDataCount: b.Full,
		})
		from = next
	}
	return periods
}

func Classify(count, full int) models.PeriodStatus {
	switch {
	case count == 0:
		return models.PeriodStatusEmpty
	case full >= count:
		return models.PeriodStatusFull
	case full == 0:
		return models.PeriodStatusListOnly
	default:
		return models.PeriodStatusPartial
	}
}

// MissingRanges merges adjacent periods that are not full into whole-day
// ranges suitable for a new sync.
func MissingRanges(periods []models.Period) []chunking.DateRange {
	ranges := []chunking.DateRange{}
	for _, p := range periods {
		if p.Status == models.PeriodStatusFull {
			continue
		}
		from, to := chunking.Date(p.Start), chunking.Date(p.End)
		if n := len(ranges); n > 0 && ranges[n-1].To.AddDate(0, 0, 1).Equal(from) {
			ranges[n-1].To = to
			continue
		}
		ranges = append(ranges, chunking.DateRange{Number: len(ranges) + 1, From: from, To: to})
	}
	return ranges
}
