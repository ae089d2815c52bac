package futures_usdt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/goccy/go-json"

	"trading-pipeline/pkg/exchanges/common"
)

// SubmitOrder places an order.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Qty.String())

	if req.Type == common.OrderTypeLimit {
		params.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		params.Set("timeInForce", string(tif))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.toResult(), nil
}

// CancelOrder cancels an order by symbol and ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// QueryOrder fetches one order by exchange id or, failing that, client id.
func (c *Client) QueryOrder(ctx context.Context, symbol, exchangeOrderID, clientID string) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	switch {
	case exchangeOrderID != "":
		params.Set("orderId", exchangeOrderID)
	case clientID != "":
		params.Set("origClientOrderId", clientID)
	default:
		return common.OrderResult{}, fmt.Errorf("query order %s: order id or client id required", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.toResult(), nil
}

// CancelAllOpenOrders cancels all open orders for a symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params)
	return err
}

// GetOpenOrders returns open orders; symbol optional.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]common.OrderResult, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, err
	}
	var orders []orderResp
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.OrderResult, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.toResult())
	}
	return out, nil
}

// GetPositions returns non-flat positions; symbol optional.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]common.Position, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var risks []positionRisk
	if err := json.Unmarshal(body, &risks); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]common.Position, 0, len(risks))
	for _, p := range risks {
		amt := parseDecimal(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		lev, _ := strconv.Atoi(p.Leverage)
		out = append(out, common.Position{
			Symbol:     p.Symbol,
			Amount:     amt,
			EntryPrice: parseDecimal(p.EntryPrice),
			MarkPrice:  parseDecimal(p.MarkPrice),
			Leverage:   lev,
		})
	}
	return out, nil
}

// GetBalance returns futures balances.
func (c *Client) GetBalance(ctx context.Context) ([]common.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return nil, err
	}
	var bal []futuresBalance
	if err := json.Unmarshal(body, &bal); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	out := make([]common.Balance, 0, len(bal))
	for _, b := range bal {
		out = append(out, common.Balance{
			Asset:     b.Asset,
			Balance:   parseDecimal(b.Balance),
			Available: parseDecimal(b.AvailableBalance),
		})
	}
	return out, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}
