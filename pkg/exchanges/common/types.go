package common

import "github.com/shopspring/decimal"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the order types the pipeline sends.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFGTX TimeInForce = "GTX" // Post Only / Maker Only
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Open reports whether the order can still trade.
func (s OrderStatus) Open() bool {
	return s == StatusNew || s == StatusPartial
}

// OrderRequest captures an order to be sent to an exchange.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	Price       decimal.Decimal // required for LIMIT
	TimeInForce TimeInForce
	ClientID    string
	ReduceOnly  bool
}

// OrderResult is the exchange view of one order.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Symbol          string
	Side            Side
	Status          OrderStatus
	Price           decimal.Decimal
	OrigQty         decimal.Decimal
	ExecutedQty     decimal.Decimal
	AvgPrice        decimal.Decimal
}

// SymbolFilters carries the precision rules for one symbol.
type SymbolFilters struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// BookTicker is the top of book.
type BookTicker struct {
	Symbol   string
	BidPrice decimal.Decimal
	BidQty   decimal.Decimal
	AskPrice decimal.Decimal
	AskQty   decimal.Decimal
}

// Position is a signed futures position; negative Amount is short.
type Position struct {
	Symbol     string
	Amount     decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	Leverage   int
}

// Balance is one margin asset balance.
type Balance struct {
	Asset     string
	Balance   decimal.Decimal
	Available decimal.Decimal
}
