package ratesaudit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// StreamClient calls the audit endpoint and folds the response into a Collector.
type StreamClient struct {
	BaseURL  string
	TenantID string
	HTTP     *http.Client
}

func (c *StreamClient) Audit(ctx context.Context, req AuditRequest, collector *Collector, onEvent func(Event)) error {
	query := url.Values{}
	query.Set("days", strconv.Itoa(req.Days))
	query.Set("fix", strconv.FormatBool(req.Fix))
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/api/v1/exchange-rates/audit?" + query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if c.TenantID != "" {
		httpReq.Header.Set("X-Tenant-ID", c.TenantID)
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("audit request failed with %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return collector.Consume(ctx, resp.Body, onEvent)
}
