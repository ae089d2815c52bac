package futures_usdt

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"trading-pipeline/pkg/exchanges/common"
)

// ExchangeFilters returns precision rules for every listed symbol.
func (c *Client) ExchangeFilters(ctx context.Context) (map[string]common.SymbolFilters, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	out := make(map[string]common.SymbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		out[s.Symbol] = s.filters()
	}
	return out, nil
}

// SymbolFilters returns the precision rules for one symbol.
func (c *Client) SymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	all, err := c.ExchangeFilters(ctx)
	if err != nil {
		return common.SymbolFilters{}, err
	}
	f, ok := all[symbol]
	if !ok {
		return common.SymbolFilters{}, fmt.Errorf("symbol %s not listed", symbol)
	}
	return f, nil
}

// BookTicker returns best bid/ask.
func (c *Client) BookTicker(ctx context.Context, symbol string) (common.BookTicker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/fapi/v1/ticker/bookTicker", params)
	if err != nil {
		return common.BookTicker{}, err
	}
	var t struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		BidQty   string `json:"bidQty"`
		AskPrice string `json:"askPrice"`
		AskQty   string `json:"askQty"`
	}
	if err := json.Unmarshal(body, &t); err != nil {
		return common.BookTicker{}, fmt.Errorf("decode book ticker: %w", err)
	}
	return common.BookTicker{
		Symbol:   t.Symbol,
		BidPrice: parseDecimal(t.BidPrice),
		BidQty:   parseDecimal(t.BidQty),
		AskPrice: parseDecimal(t.AskPrice),
		AskQty:   parseDecimal(t.AskQty),
	}, nil
}

// MarkPrice returns the current mark price.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return decimal.Zero, err
	}
	var p struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return decimal.Zero, fmt.Errorf("decode premium index: %w", err)
	}
	return decimal.NewFromString(p.MarkPrice)
}

// TopSymbolsByVolume returns up to n USDT-quoted symbols ordered by 24h quote volume.
func (c *Client) TopSymbolsByVolume(ctx context.Context, n int) ([]string, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/ticker/24hr", nil)
	if err != nil {
		return nil, err
	}
	var tickers []struct {
		Symbol      string `json:"symbol"`
		QuoteVolume string `json:"quoteVolume"`
	}
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("decode 24hr tickers: %w", err)
	}
	type ranked struct {
		symbol string
		volume decimal.Decimal
	}
	list := make([]ranked, 0, len(tickers))
	for _, t := range tickers {
		if !strings.HasSuffix(t.Symbol, "USDT") {
			continue
		}
		list = append(list, ranked{symbol: t.Symbol, volume: parseDecimal(t.QuoteVolume)})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].volume.GreaterThan(list[j].volume) })
	if n > 0 && len(list) > n {
		list = list[:n]
	}
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.symbol
	}
	return out, nil
}
