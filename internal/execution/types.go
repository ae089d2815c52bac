// Package execution turns order intents into exchange orders: a maker-only
// price chaser, reduce-only position closing and an outcome ledger.
package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trading-pipeline/pkg/exchanges/common"
)

var (
	ErrChaseAborted     = errors.New("chase aborted")
	ErrEngineStopped    = errors.New("execution engine stopped")
	ErrQueueFull        = errors.New("intent queue full")
	ErrSizeBelowStep    = errors.New("size rounds to zero at step precision")
	ErrBelowMinNotional = errors.New("notional below exchange minimum")
	ErrNoPosition       = errors.New("no open position")
	ErrOrderStillOpen   = errors.New("previous order still open")
)

// Exchange is everything the engine needs from a venue.
type Exchange interface {
	common.Gateway
	common.MarketData
	common.Account
}

// SizeType says how OrderIntent.SizeValue is denominated.
type SizeType string

const (
	SizeContracts SizeType = "CONTRACTS"
	SizeUSD       SizeType = "USD"
)

// OrderIntent is one decision to trade; consumed exactly once.
type OrderIntent struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       common.Side     `json:"side"`
	SizeValue  decimal.Decimal `json:"size_value"`
	SizeType   SizeType        `json:"size_type"`
	ReduceOnly bool            `json:"reduce_only"`
	// Zero values fall back to the engine defaults.
	MaxRetries    int           `json:"max_retries,omitempty"`
	RetryInterval time.Duration `json:"retry_interval,omitempty"`
	Source        string        `json:"source,omitempty"`
	Score         float64       `json:"score,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ClosesPosition reports a reduce-only intent without size, which closes
// the whole position.
func (i OrderIntent) ClosesPosition() bool {
	return i.ReduceOnly && i.SizeValue.IsZero()
}

// Validate rejects intents the engine cannot act on.
func (i OrderIntent) Validate() error {
	switch {
	case i.Symbol == "":
		return errors.New("intent: symbol required")
	case i.Side != common.SideBuy && i.Side != common.SideSell:
		return fmt.Errorf("intent %s: invalid side %q", i.Symbol, i.Side)
	case i.SizeValue.IsNegative():
		return fmt.Errorf("intent %s: negative size", i.Symbol)
	case i.SizeValue.IsZero() && !i.ReduceOnly:
		return fmt.Errorf("intent %s: size required", i.Symbol)
	case i.SizeType != "" && i.SizeType != SizeContracts && i.SizeType != SizeUSD:
		return fmt.Errorf("intent %s: invalid size type %q", i.Symbol, i.SizeType)
	case i.MaxRetries < 0:
		return fmt.Errorf("intent %s: negative max retries", i.Symbol)
	}
	return nil
}

// ChaseStatus is the state of one chase.
type ChaseStatus string

const (
	ChaseActive    ChaseStatus = "ACTIVE"
	ChaseFilled    ChaseStatus = "FILLED"
	ChaseExhausted ChaseStatus = "EXHAUSTED"
	ChaseFailed    ChaseStatus = "FAILED"
)

// ChaseRequest describes one maker-only chase.
type ChaseRequest struct {
	Symbol     string
	Side       common.Side
	Size       decimal.Decimal // contracts
	MaxRetries int
	Interval   time.Duration
	ReduceOnly bool
}

// ChaseResult is the terminal state of a chase.
type ChaseResult struct {
	Status    ChaseStatus
	Symbol    string
	Side      common.Side
	Requested decimal.Decimal
	Filled    decimal.Decimal
	AvgPrice  decimal.Decimal
	// LastPrice is the most recent quoted price.
	LastPrice decimal.Decimal
	Attempts  int
	OrderIDs  []string
	Err       error
}

// OutcomeStatus classifies a ledger entry.
type OutcomeStatus string

const (
	OutcomeFilled     OutcomeStatus = "FILLED"
	OutcomeSubmitted  OutcomeStatus = "SUBMITTED"
	OutcomeExhausted  OutcomeStatus = "EXHAUSTED"
	OutcomeFailed     OutcomeStatus = "FAILED"
	OutcomeUnclosable OutcomeStatus = "UNCLOSABLE"
	OutcomeOK         OutcomeStatus = "OK"
)

// Successful reports whether the outcome lands in the successful list.
func (s OutcomeStatus) Successful() bool {
	return s == OutcomeFilled || s == OutcomeSubmitted || s == OutcomeOK
}

// Action names what produced a ledger entry.
type Action string

const (
	ActionEntry     Action = "ENTRY"
	ActionClose     Action = "CLOSE"
	ActionLeverage  Action = "LEVERAGE"
	ActionCancelAll Action = "CANCEL_ALL"
)

// LedgerEntry is one recorded outcome.
type LedgerEntry struct {
	ID       string          `json:"id"`
	Time     time.Time       `json:"time"`
	Action   Action          `json:"action"`
	Status   OutcomeStatus   `json:"status"`
	IntentID string          `json:"intent_id,omitempty"`
	Source   string          `json:"source,omitempty"`
	Symbol   string          `json:"symbol"`
	Side     common.Side     `json:"side,omitempty"`
	Size     decimal.Decimal `json:"size"`
	Filled   decimal.Decimal `json:"filled"`
	Price    decimal.Decimal `json:"price"`
	Attempts int             `json:"attempts"`
	Leverage int             `json:"leverage,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// QuantityType says how CloseRequest.Quantity is denominated.
type QuantityType string

const (
	QuantityContracts QuantityType = "CONTRACTS"
	QuantityUSD       QuantityType = "USD"
)

// CloseRequest selects positions and how much of each to close. Quantity
// wins over Percentage; with neither the whole position is closed.
type CloseRequest struct {
	Symbol        string          `json:"symbol,omitempty"` // empty: every open position
	Quantity      decimal.Decimal `json:"quantity"`
	QuantityType  QuantityType    `json:"quantity_type,omitempty"`
	Percentage    decimal.Decimal `json:"percentage"`
	UseChaser     bool            `json:"use_chaser"`
	MaxRetries    int             `json:"max_retries,omitempty"`
	RetryInterval time.Duration   `json:"retry_interval,omitempty"`
	IntentID      string          `json:"-"`
	Source        string          `json:"-"`
}
