// Package history fetches candle pages from the venue's info endpoint.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bowen31337/liquidVex-sub003/internal/model"
	"github.com/bowen31337/liquidVex-sub003/internal/wire"
)

// Client posts candleSnapshot requests to a REST info endpoint. It
// satisfies the backfill fetcher contract. The zero HTTP client is
// replaced with a defaulted one on first use.
type Client struct {
	URL  string
	HTTP *http.Client
}

func NewClient(url string) *Client {
	return &Client{
		URL:  url,
		HTTP: &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchCandles retrieves up to limit candles older than before. Candles
// come back oldest-first along with the venue's hasMore flag.
func (c *Client) FetchCandles(ctx context.Context, asset string, tf model.Timeframe, before int64, limit int) ([]model.Candle, bool, error) {
	if c.URL == "" {
		return nil, false, fmt.Errorf("history: missing url")
	}
	if asset == "" {
		return nil, false, fmt.Errorf("history: missing asset")
	}

	body, err := json.Marshal(wire.HistoryRequest{
		Type:      "candleSnapshot",
		Asset:     asset,
		Timeframe: string(tf),
		Before:    before,
		Limit:     limit,
	})
	if err != nil {
		return nil, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, false, fmt.Errorf("history: candleSnapshot http %d: %s",
			resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var hr wire.HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return nil, false, fmt.Errorf("history: decode response: %w", err)
	}
	return hr.ToCandles(), hr.HasMore, nil
}
