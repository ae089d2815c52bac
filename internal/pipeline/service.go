// Package pipeline composes the feed, signal and execution stages behind a
// single command surface. The API layer and the binary only talk to the
// pipeline through Service.
package pipeline

import (
	"context"

	"github.com/shopspring/decimal"

	"trading-pipeline/internal/execution"
	"trading-pipeline/pkg/db"
)

// Service defines the operations available to operators.
type Service interface {
	// Lifecycle
	Start(ctx context.Context, universe []string) error
	Stop(ctx context.Context) error

	// Trading commands
	SubmitIntent(ctx context.Context, intent execution.OrderIntent) (string, error)
	ClosePosition(ctx context.Context, symbol string, percentage decimal.Decimal, useChaser bool) ([]execution.LedgerEntry, error)
	Close(ctx context.Context, req execution.CloseRequest) ([]execution.LedgerEntry, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) (execution.LedgerEntry, error)
	CancelAll(ctx context.Context, symbol string) (execution.LedgerEntry, error)

	// Feed handler control
	ReloadHandler(name string) error
	Handlers() []string

	// Queries
	Ledger() LedgerView
	History(ctx context.Context, symbol string, limit int) ([]db.LedgerRow, error)
	Status() Status
}
