package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-pipeline/pkg/exchanges/common"
)

var hundred = decimal.NewFromInt(100)

func (r CloseRequest) validate() error {
	switch {
	case r.Quantity.IsNegative():
		return errors.New("close: negative quantity")
	case r.Percentage.IsNegative() || r.Percentage.GreaterThan(hundred):
		return fmt.Errorf("close: percentage %s outside 0..100", r.Percentage)
	case r.QuantityType != "" && r.QuantityType != QuantityContracts && r.QuantityType != QuantityUSD:
		return fmt.Errorf("close: invalid quantity type %q", r.QuantityType)
	}
	return nil
}

type closePlan struct {
	pos   common.Position
	side  common.Side
	qty   decimal.Decimal
	mark  decimal.Decimal
	entry LedgerEntry // set when the plan is already terminal
}

// ClosePositions closes open positions, optionally one symbol only. Every
// position yields one ledger entry; the error reports request-level failures.
func (e *Engine) ClosePositions(ctx context.Context, req CloseRequest) ([]LedgerEntry, error) {
	start := time.Now()
	in := OrderIntent{ID: req.IntentID, Source: req.Source, Symbol: req.Symbol}
	if in.Source == "" {
		in.Source = "command"
	}
	fail := func(err error) ([]LedgerEntry, error) {
		entry := e.record(ActionClose, in, LedgerEntry{Symbol: req.Symbol, Status: OutcomeFailed, Error: err.Error()}, start)
		return []LedgerEntry{entry}, err
	}

	if err := req.validate(); err != nil {
		return fail(err)
	}
	positions, err := e.ex.GetPositions(ctx, req.Symbol)
	if err != nil {
		return fail(fmt.Errorf("positions: %w", err))
	}
	var open []common.Position
	for _, p := range positions {
		if !p.Amount.IsZero() {
			open = append(open, p)
		}
	}
	if len(open) == 0 {
		if req.Symbol != "" {
			return fail(fmt.Errorf("%s: %w", req.Symbol, ErrNoPosition))
		}
		return nil, nil
	}

	plans := make([]*closePlan, 0, len(open))
	for _, p := range open {
		plans = append(plans, e.planClose(ctx, req, p))
	}

	if req.UseChaser {
		retries := req.MaxRetries
		if retries <= 0 {
			retries = e.cfg.CloseMaxRetries
		}
		interval := req.RetryInterval
		if interval <= 0 {
			interval = e.cfg.CloseRetryInterval
		}
		handles := make([]*ChaseHandle, len(plans))
		for i, pl := range plans {
			if pl.entry.Status != "" {
				continue
			}
			handles[i] = e.chaser.Start(ctx, ChaseRequest{
				Symbol:     pl.pos.Symbol,
				Side:       pl.side,
				Size:       pl.qty,
				MaxRetries: retries,
				Interval:   interval,
				ReduceOnly: true,
			})
		}
		for i, h := range handles {
			if h == nil {
				continue
			}
			// chases end on their own when ctx ends, so this wait is bounded
			res, _ := h.Wait(context.WithoutCancel(ctx))
			plans[i].entry = fromChase(res, true)
		}
	} else {
		for _, pl := range plans {
			if pl.entry.Status == "" {
				pl.entry = e.marketClose(ctx, pl)
			}
		}
	}

	entries := make([]LedgerEntry, 0, len(plans))
	for _, pl := range plans {
		if pl.entry.Symbol == "" {
			pl.entry.Symbol = pl.pos.Symbol
		}
		entries = append(entries, e.record(ActionClose, in, pl.entry, start))
	}
	return entries, nil
}

// planClose sizes the close for one position, or marks it terminal.
func (e *Engine) planClose(ctx context.Context, req CloseRequest, p common.Position) *closePlan {
	pl := &closePlan{pos: p, side: common.SideSell}
	if p.Amount.IsNegative() {
		pl.side = common.SideBuy
	}
	abs := p.Amount.Abs()
	terminal := func(status OutcomeStatus, err error) *closePlan {
		pl.entry = LedgerEntry{Symbol: p.Symbol, Side: pl.side, Size: pl.qty, Price: pl.mark, Status: status, Error: err.Error()}
		e.logger.Warn("position not closable", zap.String("symbol", p.Symbol), zap.String("status", string(status)), zap.Error(err))
		return pl
	}

	f, err := e.filters.Get(ctx, p.Symbol)
	if err != nil {
		return terminal(OutcomeFailed, fmt.Errorf("filters %s: %w", p.Symbol, err))
	}
	pl.mark = p.MarkPrice
	if pl.mark.Sign() <= 0 {
		if pl.mark, err = e.ex.MarkPrice(ctx, p.Symbol); err != nil {
			return terminal(OutcomeFailed, fmt.Errorf("mark price %s: %w", p.Symbol, err))
		}
	}

	qty := abs
	switch {
	case req.Quantity.IsPositive():
		qty = req.Quantity
		if req.QuantityType == QuantityUSD {
			if pl.mark.Sign() <= 0 {
				return terminal(OutcomeFailed, fmt.Errorf("mark price %s: non-positive", p.Symbol))
			}
			qty = req.Quantity.Div(pl.mark)
		}
		if qty.GreaterThan(abs) {
			qty = abs
		}
	case req.Percentage.IsPositive():
		qty = abs.Mul(req.Percentage).Div(hundred)
	}
	pl.qty = common.FloorToStep(qty, f.StepSize)

	if pl.qty.Sign() <= 0 || pl.qty.LessThan(f.MinQty) {
		return terminal(OutcomeUnclosable, fmt.Errorf("%s qty %s: %w", p.Symbol, qty, ErrSizeBelowStep))
	}
	if f.MinNotional.IsPositive() && common.Notional(pl.qty, pl.mark).LessThan(f.MinNotional) {
		return terminal(OutcomeUnclosable, fmt.Errorf("%s notional %s < %s: %w",
			p.Symbol, common.Notional(pl.qty, pl.mark).StringFixed(4), f.MinNotional, ErrBelowMinNotional))
	}
	return pl
}

func (e *Engine) marketClose(ctx context.Context, pl *closePlan) LedgerEntry {
	entry := LedgerEntry{Symbol: pl.pos.Symbol, Side: pl.side, Size: pl.qty, Price: pl.mark, Attempts: 1}
	res, err := e.ex.SubmitOrder(ctx, common.OrderRequest{
		Symbol:     pl.pos.Symbol,
		Side:       pl.side,
		Type:       common.OrderTypeMarket,
		Qty:        pl.qty,
		ReduceOnly: true,
	})
	switch {
	case err == nil:
		entry.Status = OutcomeSubmitted
		if res.Status == common.StatusFilled {
			entry.Status = OutcomeFilled
		}
		entry.Filled = res.ExecutedQty
		if res.AvgPrice.IsPositive() {
			entry.Price = res.AvgPrice
		}
	case common.IsMinNotional(err):
		entry.Status = OutcomeUnclosable
		entry.Error = err.Error()
	default:
		entry.Status = OutcomeFailed
		entry.Error = err.Error()
	}
	return entry
}
