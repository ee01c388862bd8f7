package repositories

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sorrel/pkg/database"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

const exchangeRatesTable = "exchange_rates"

var exchangeRateStruct = database.NewStruct(new(models.ExchangeRate))

// ExchangeRateRepository stores the shared, tenant-independent rate cache.
type ExchangeRateRepository struct {
	*Repository
}

func NewExchangeRateRepository(db database.DB, logger ectologger.Logger) *ExchangeRateRepository {
	return &ExchangeRateRepository{Repository: NewRepository(db, logger)}
}

func (r *ExchangeRateRepository) ListByDate(ctx context.Context, date time.Time) ([]models.ExchangeRate, error) {
	ctx, span := tracing.StartSpan(ctx, "ExchangeRateRepository.ListByDate")
	defer span.End()

	sb := exchangeRateStruct.SelectFrom(exchangeRatesTable)
	sb.Where(sb.Equal("rate_date", date.Format(time.DateOnly)))
	sb.OrderBy("currency_code")

	query, args := sb.Build()
	rates := []models.ExchangeRate{}
	if err := r.DB(ctx).SelectContext(ctx, &rates, query, args...); err != nil {
		r.log(ctx, map[string]any{"rate_date": date.Format(time.DateOnly)}).WithError(err).Error("failed to list exchange rates")
		return nil, internal("failed to list exchange rates")
	}
	return rates, nil
}

func (r *ExchangeRateRepository) Upsert(ctx context.Context, rates []models.ExchangeRate) error {
	ctx, span := tracing.StartSpan(ctx, "ExchangeRateRepository.Upsert")
	defer span.End()

	if len(rates) == 0 {
		return nil
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(exchangeRatesTable).Cols("rate_date", "currency_code", "rate", "name", "updated_at")
	for _, rate := range rates {
		ib.Values(rate.RateDate.Format(time.DateOnly), rate.CurrencyCode, rate.Rate, rate.Name, database.Now())
	}
	ib.SQL("ON CONFLICT (rate_date, currency_code) DO UPDATE SET rate = EXCLUDED.rate, name = EXCLUDED.name, updated_at = NOW()")

	query, args := ib.Build()
	if _, err := r.DB(ctx).ExecContext(ctx, query, args...); err != nil {
		r.log(ctx, map[string]any{"rates": len(rates)}).WithError(err).Error("failed to upsert exchange rates")
		return internal("failed to store exchange rates")
	}
	return nil
}
