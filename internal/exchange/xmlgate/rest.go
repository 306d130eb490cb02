// rest.go is the adapter's REST side: balance snapshots fetched at connect
// time (the asynchronous <positions> frames keep them fresh afterwards).
package xmlgate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// restClient wraps a resty HTTP client with retry for the venue connector's
// snapshot endpoints.
type restClient struct {
	http   *resty.Client
	client string // trading account passed as a query parameter
	log    *slog.Logger
}

func newRESTClient(cfg Config, logger *slog.Logger) *restClient {
	httpClient := resty.New().
		SetBaseURL(cfg.RestURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &restClient{
		http:   httpClient,
		client: cfg.Client,
		log:    logger.With("component", "rest", "gate", cfg.Name),
	}
}

// balanceEntry is one row of GET /balances.
type balanceEntry struct {
	Symbol string  `json:"symbol"`
	Free   float64 `json:"free"`
}

// FetchBalances loads the full funds snapshot into the table.
func (c *restClient) FetchBalances(ctx context.Context, table *balanceTable) error {
	var entries []balanceEntry
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("client", c.client).
		SetResult(&entries).
		Get("/balances")
	if err != nil {
		return fmt.Errorf("get balances: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("get balances: status %d: %s", resp.StatusCode(), resp.String())
	}
	for _, e := range entries {
		table.Set(e.Symbol, e.Free)
	}
	c.log.Debug("balances loaded", "assets", len(entries))
	return nil
}
