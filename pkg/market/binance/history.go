package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// HistoryClient fetches closed futures klines used to seed windows at start.
type HistoryClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHistoryClient builds a REST client; use testnet to switch base URLs.
func NewHistoryClient(testnet bool) *HistoryClient {
	base := "https://fapi.binance.com"
	if testnet {
		base = "https://testnet.binancefuture.com"
	}
	return &HistoryClient{
		BaseURL:    base,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Bars returns up to limit most recent bars. Bars whose close time is in
// the future are marked open.
func (c *HistoryClient) Bars(ctx context.Context, symbol, interval string, limit int) ([]Bar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	u := fmt.Sprintf("%s/fapi/v1/klines?%s", strings.TrimRight(c.BaseURL, "/"), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("binance klines %s status %d: %s", symbol, res.StatusCode, string(b))
	}

	var raw [][]any
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, err
	}

	nowMs := time.Now().UnixMilli()
	bars := make([]Bar, 0, len(raw))
	for _, item := range raw {
		// open time, o, h, l, c, v, close time, ...
		if len(item) < 7 {
			continue
		}
		closeMs := toInt64(item[6])
		bars = append(bars, Bar{
			Symbol:          symbol,
			Interval:        interval,
			IntervalStartMs: toInt64(item[0]),
			Open:            toDecimal(item[1]),
			High:            toDecimal(item[2]),
			Low:             toDecimal(item[3]),
			Close:           toDecimal(item[4]),
			Volume:          toDecimal(item[5]),
			CloseTimeMs:     closeMs,
			IsFinal:         closeMs < nowMs,
		})
	}
	return bars, nil
}

func toDecimal(v any) decimal.Decimal {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(t)
	default:
		return decimal.Zero
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}
