package ratesaudit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/shopspring/decimal"

	"github.com/Ramsey-B/sorrel/pkg/httpclient"
	"github.com/Ramsey-B/sorrel/pkg/metrics"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

const operationRates = "rates"

// Source is the authoritative exchange-rate publisher.
type Source interface {
	RatesForDate(ctx context.Context, date time.Time) ([]models.ExchangeRate, error)
}

type sourceRate struct {
	Code string          `json:"code"`
	Name string          `json:"name"`
	Rate decimal.Decimal `json:"rate"`
}

// HTTPSource reads rates from GET <url>?date=YYYY-MM-DD. The body is either
// an array of rates or an object with a "rates" array.
type HTTPSource struct {
	http   *httpclient.Client
	url    string
	logger ectologger.Logger
}

func NewHTTPSource(client *httpclient.Client, sourceURL string, logger ectologger.Logger) *HTTPSource {
	return &HTTPSource{http: client, url: strings.TrimRight(sourceURL, "/"), logger: logger}
}

func (s *HTTPSource) RatesForDate(ctx context.Context, date time.Time) ([]models.ExchangeRate, error) {
	ctx, span := tracing.StartSpan(ctx, "ratesaudit.RatesForDate")
	defer span.End()

	day := date.Format(time.DateOnly)
	query := url.Values{}
	query.Set("date", day)

	resp, err := s.http.Get(ctx, s.url+"?"+query.Encode(), map[string]string{"Accept": "application/json"})
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(operationRates, "error").Inc()
		return nil, httperror.WrapError(http.StatusBadGateway, fmt.Errorf("exchange rate source unavailable: %w", err))
	}
	metrics.UpstreamRequestsTotal.WithLabelValues(operationRates, strconv.Itoa(resp.StatusCode)).Inc()
	metrics.UpstreamRequestDuration.WithLabelValues(operationRates).Observe(resp.Duration.Seconds())

	if !httpclient.IsSuccessStatus(resp.StatusCode) {
		s.logger.WithContext(ctx).WithFields(map[string]any{"date": day, "status_code": resp.StatusCode}).Warn("exchange rate source rejected request")
		return nil, httperror.NewHTTPErrorf(http.StatusBadGateway, "exchange rate source returned %d for %s", resp.StatusCode, day)
	}

	items, err := decodeRates(resp.Body)
	if err != nil {
		return nil, httperror.WrapError(http.StatusBadGateway, fmt.Errorf("invalid exchange rate response: %w", err))
	}

	rates := make([]models.ExchangeRate, 0, len(items))
	for _, item := range items {
		if item.Code == "" {
			continue
		}
		rates = append(rates, models.ExchangeRate{
			RateDate:     date,
			CurrencyCode: strings.ToUpper(item.Code),
			Rate:         item.Rate,
			Name:         item.Name,
		})
	}
	return rates, nil
}

func decodeRates(body []byte) ([]sourceRate, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	var items []sourceRate
	if body[0] == '[' {
		err := json.Unmarshal(body, &items)
		return items, err
	}
	var wrapped struct {
		Rates []sourceRate `json:"rates"`
	}
	err := json.Unmarshal(body, &wrapped)
	return wrapped.Rates, err
}
