package customs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sorrel/pkg/httpclient"
	"github.com/Ramsey-B/sorrel/pkg/metrics"
	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/retry"
	"github.com/Ramsey-B/sorrel/pkg/tracing"
)

const (
	operationList   = "list"
	operationDetail = "detail"
)

// API is the upstream declarations service: a date-range list and a
// per-identifier detail fetch.
type API interface {
	ListDeclarations(ctx context.Context, creds models.Credentials, from, to time.Time) ([]models.ListRecord, error)
	GetDeclaration(ctx context.Context, creds models.Credentials, guid string) (map[string]any, error)
}

type Config struct {
	BaseURL string
	// Timeout applies to each call independently of the caller's context.
	Timeout time.Duration
}

type Client struct {
	http   *httpclient.Client
	cfg    Config
	logger ectologger.Logger
	now    func() time.Time
}

func NewClient(httpClient *httpclient.Client, cfg Config, logger ectologger.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = httpclient.DefaultTimeout
	}
	return &Client{http: httpClient, cfg: cfg, logger: logger, now: time.Now}
}

func (c *Client) ListDeclarations(ctx context.Context, creds models.Credentials, from, to time.Time) ([]models.ListRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "customs.ListDeclarations")
	defer span.End()

	query := url.Values{}
	query.Set("dateFrom", from.Format(time.DateOnly))
	query.Set("dateTo", to.Format(time.DateOnly))

	body, err := c.get(ctx, operationList, creds, "/declarations?"+query.Encode())
	if err != nil {
		return nil, err
	}

	items, err := listItems(body)
	if err != nil {
		return nil, &Error{Code: models.ErrorCodeParse, Message: err.Error()}
	}

	records := make([]models.ListRecord, 0, len(items))
	for i, item := range items {
		rec, err := toListRecord(item)
		if err != nil {
			return nil, &Error{Code: models.ErrorCodeParse, Message: fmt.Sprintf("record %d: %v", i, err)}
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *Client) GetDeclaration(ctx context.Context, creds models.Credentials, guid string) (map[string]any, error) {
	ctx, span := tracing.StartSpan(ctx, "customs.GetDeclaration")
	defer span.End()

	body, err := c.get(ctx, operationDetail, creds, "/declarations/"+url.PathEscape(guid))
	if err != nil {
		return nil, err
	}

	detail, ok := body.(map[string]any)
	if !ok {
		return nil, &Error{Code: models.ErrorCodeParse, Message: fmt.Sprintf("detail for %s is %T, want object", guid, body)}
	}
	// XML documents arrive wrapped in their root element.
	if inner, ok := detail["declaration"].(map[string]any); ok && len(detail) == 1 {
		detail = inner
	}
	return detail, nil
}

func (c *Client) get(ctx context.Context, operation string, creds models.Credentials, path string) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := c.now()
	resp, err := c.http.Get(ctx, c.cfg.BaseURL+path, map[string]string{
		"Authorization": "Bearer " + creds.Token,
		"Accept":        "application/json, application/xml",
	})
	metrics.UpstreamRequestDuration.WithLabelValues(operation).Observe(c.now().Sub(start).Seconds())
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(operation, "error").Inc()
		return nil, &Error{Code: retry.Classify(err), Message: operation + " request failed", Err: err}
	}
	metrics.UpstreamRequestsTotal.WithLabelValues(operation, strconv.Itoa(resp.StatusCode)).Inc()

	if !httpclient.IsSuccessStatus(resp.StatusCode) {
		e := &Error{
			Code:       codeForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    summarize(resp.Body),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			e.Retry = httpclient.RetryAfter(resp, c.now())
		}
		c.logger.WithContext(ctx).WithFields(map[string]any{
			"operation":   operation,
			"status_code": resp.StatusCode,
			"error_code":  e.Code,
		}).Warn("upstream request rejected")
		return nil, e
	}

	if err := httpclient.ParseResponse(resp); err != nil {
		return nil, &Error{Code: models.ErrorCodeParse, Message: "invalid " + operation + " response", Err: err}
	}
	return resp.BodyJSON, nil
}

func summarize(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit]
	}
	if s == "" {
		return "empty response"
	}
	return s
}
