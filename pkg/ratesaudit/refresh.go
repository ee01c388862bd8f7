package ratesaudit

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sorrel/pkg/chunking"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

const RefreshLease = "exchange_rates_refresh"

type Lease interface {
	TryAdvanceLease(ctx context.Context, name, holder string, day time.Time) (bool, error)
}

// Refresher loads today's rates into the cache once per day across all instances.
type Refresher struct {
	lease  Lease
	rates  RateStore
	source Source
	holder string
	logger ectologger.Logger
	now    func() time.Time
}

func NewRefresher(lease Lease, rates RateStore, source Source, holder string, logger ectologger.Logger) *Refresher {
	return &Refresher{lease: lease, rates: rates, source: source, holder: holder, logger: logger, now: time.Now}
}

// RefreshToday reports whether this instance ran the refresh.
func (r *Refresher) RefreshToday(ctx context.Context) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "ratesaudit.RefreshToday")
	defer span.End()

	today := chunking.Date(r.now())
	won, err := r.lease.TryAdvanceLease(ctx, RefreshLease, r.holder, today)
	if err != nil || !won {
		return false, err
	}

	log := r.logger.WithContext(ctx).WithField("date", today.Format(time.DateOnly))
	rates, err := r.source.RatesForDate(ctx, today)
	if err != nil {
		// the lease is spent for today; tomorrow's run fetches again
		log.WithError(err).Error("exchange rate refresh failed")
		return true, err
	}
	if err := r.rates.Upsert(ctx, rates); err != nil {
		return true, err
	}
	log.Infof("refreshed %d exchange rates", len(rates))
	return true, nil
}
