package common

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway abstracts order entry on a trading venue.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	// QueryOrder looks an order up by exchange id, or by client id when the
	// exchange id is empty.
	QueryOrder(ctx context.Context, symbol, exchangeOrderID, clientID string) (OrderResult, error)
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderResult, error)
}

// MarketData is the read side used to price and size orders.
type MarketData interface {
	SymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
	BookTicker(ctx context.Context, symbol string) (BookTicker, error)
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Account exposes positions and account settings.
type Account interface {
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	GetBalance(ctx context.Context) ([]Balance, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}
