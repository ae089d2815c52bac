package futures_usdt

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"trading-pipeline/pkg/exchanges/common"
)

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
}

func (o orderResp) toResult() common.OrderResult {
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		ClientID:        o.ClientOrderID,
		Symbol:          o.Symbol,
		Side:            common.Side(strings.ToUpper(o.Side)),
		Status:          mapStatus(o.Status),
		Price:           parseDecimal(o.Price),
		OrigQty:         parseDecimal(o.OrigQty),
		ExecutedQty:     parseDecimal(o.ExecutedQty),
		AvgPrice:        parseDecimal(o.AvgPrice),
	}
}

type positionRisk struct {
	Symbol       string `json:"symbol"`
	PositionSide string `json:"positionSide"`
	PositionAmt  string `json:"positionAmt"`
	EntryPrice   string `json:"entryPrice"`
	MarkPrice    string `json:"markPrice"`
	Leverage     string `json:"leverage"`
}

type futuresBalance struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

type exchangeInfo struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol  string         `json:"symbol"`
	Filters []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
	Notional   string `json:"notional"`
}

func (s symbolInfo) filters() common.SymbolFilters {
	out := common.SymbolFilters{Symbol: s.Symbol}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			out.TickSize = parseDecimal(f.TickSize)
		case "LOT_SIZE":
			out.StepSize = parseDecimal(f.StepSize)
			out.MinQty = parseDecimal(f.MinQty)
		case "MIN_NOTIONAL":
			out.MinNotional = parseDecimal(f.Notional)
		}
	}
	return out
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
