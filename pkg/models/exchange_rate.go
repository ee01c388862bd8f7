package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeRate is a cached rate keyed by (RateDate, CurrencyCode).
type ExchangeRate struct {
	RateDate     time.Time       `db:"rate_date" json:"rate_date"`
	CurrencyCode string          `db:"currency_code" json:"currency_code"`
	Rate         decimal.Decimal `db:"rate" json:"rate"`
	Name         string          `db:"name" json:"name"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

func (ExchangeRate) TableName() string {
	return "exchange_rates"
}
