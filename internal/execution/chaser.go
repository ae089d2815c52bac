package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trading-pipeline/pkg/exchanges/common"
)

// ClientIDPrefix marks every order the chaser places.
const ClientIDPrefix = "chase-"

// ChaserConfig holds chase defaults.
type ChaserConfig struct {
	MaxRetries int
	Interval   time.Duration
	// CancelTimeout bounds the forced cleanup after the chase context ends.
	CancelTimeout time.Duration
}

// Chaser places post-only limit orders one tick inside the opposite side of
// the book and re-quotes them until filled or out of attempts.
type Chaser struct {
	ex      Exchange
	filters *FilterCache
	cfg     ChaserConfig
	logger  *zap.Logger

	active sync.Map // client id -> struct{}
}

// NewChaser builds a chaser.
func NewChaser(ex Exchange, filters *FilterCache, cfg ChaserConfig, logger *zap.Logger) *Chaser {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 20
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chaser{ex: ex, filters: filters, cfg: cfg, logger: logger.Named("chaser")}
}

// Owns reports whether clientID belongs to a chase still running.
func (c *Chaser) Owns(clientID string) bool {
	_, ok := c.active.Load(clientID)
	return ok
}

// IsChaserOrder reports whether clientID was generated by a chaser.
func IsChaserOrder(clientID string) bool {
	return strings.HasPrefix(clientID, ClientIDPrefix)
}

func newClientID() string {
	// Binance caps client ids at 36 characters.
	return ClientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

type liveOrder struct {
	id       string
	clientID string
	// unknown marks a placement whose outcome was never observed.
	unknown bool
}

type chaseState struct {
	req       ChaseRequest
	filters   common.SymbolFilters
	requested decimal.Decimal
	status    ChaseStatus
	attempts  int
	current   *liveOrder
	filled    decimal.Decimal
	notional  decimal.Decimal
	lastPrice decimal.Decimal
	clientIDs map[string]struct{}
	orderIDs  []string
	err       error
	lastErr   error
}

func (st *chaseState) remaining() decimal.Decimal {
	return st.requested.Sub(st.filled)
}

func (st *chaseState) done() bool {
	left := common.FloorToStep(st.remaining(), st.filters.StepSize)
	return left.Sign() <= 0 || left.LessThan(st.filters.MinQty)
}

func (st *chaseState) account(o common.OrderResult) {
	if o.ExecutedQty.Sign() <= 0 {
		return
	}
	px := o.AvgPrice
	if px.Sign() <= 0 {
		px = o.Price
	}
	st.filled = st.filled.Add(o.ExecutedQty)
	st.notional = st.notional.Add(o.ExecutedQty.Mul(px))
}

func (st *chaseState) target(book common.BookTicker) (decimal.Decimal, error) {
	tick := st.filters.TickSize
	if st.req.Side == common.SideBuy {
		if book.AskPrice.Sign() <= 0 {
			return decimal.Zero, fmt.Errorf("empty ask for %s", st.req.Symbol)
		}
		return common.FloorToStep(book.AskPrice.Sub(tick), tick), nil
	}
	if book.BidPrice.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("empty bid for %s", st.req.Symbol)
	}
	return common.CeilToStep(book.BidPrice.Add(tick), tick), nil
}

func (st *chaseState) result() ChaseResult {
	res := ChaseResult{
		Status:    st.status,
		Symbol:    st.req.Symbol,
		Side:      st.req.Side,
		Requested: st.requested,
		Filled:    st.filled,
		LastPrice: st.lastPrice,
		Attempts:  st.attempts,
		OrderIDs:  st.orderIDs,
		Err:       st.err,
	}
	if st.filled.IsPositive() {
		res.AvgPrice = st.notional.Div(st.filled)
	}
	return res
}

// Chase runs one chase to a terminal state. Cancelling ctx force-cancels
// the outstanding order and returns FAILED with ErrChaseAborted.
func (c *Chaser) Chase(ctx context.Context, req ChaseRequest) ChaseResult {
	if req.MaxRetries <= 0 {
		req.MaxRetries = c.cfg.MaxRetries
	}
	if req.Interval <= 0 {
		req.Interval = c.cfg.Interval
	}
	st := &chaseState{req: req, status: ChaseActive, clientIDs: make(map[string]struct{})}
	defer c.release(st)
	log := c.logger.With(zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)), zap.Bool("reduce_only", req.ReduceOnly))

	f, err := c.filters.Get(ctx, req.Symbol)
	if err != nil {
		return c.fail(st, fmt.Errorf("filters %s: %w", req.Symbol, err))
	}
	st.filters = f
	st.requested = common.FloorToStep(req.Size, f.StepSize)
	if st.requested.Sign() <= 0 || st.requested.LessThan(f.MinQty) {
		return c.fail(st, fmt.Errorf("%s size %s step %s: %w", req.Symbol, req.Size, f.StepSize, ErrSizeBelowStep))
	}

	for st.attempts < req.MaxRetries {
		if ctx.Err() != nil {
			return c.abort(ctx, st)
		}

		if st.current != nil {
			if err := c.settle(ctx, st); err != nil {
				if ctx.Err() != nil {
					return c.abort(ctx, st)
				}
				// never stack a second order on one we could not clear
				log.Warn("outstanding order not settled", zap.Error(err))
				st.lastErr = err
				st.attempts++
				if sleepCtx(ctx, req.Interval) != nil {
					return c.abort(ctx, st)
				}
				continue
			}
		}
		if st.done() {
			return c.complete(ctx, st)
		}

		book, err := c.ex.BookTicker(ctx, req.Symbol)
		if err != nil {
			if ctx.Err() != nil {
				return c.abort(ctx, st)
			}
			st.lastErr = err
			st.attempts++
			if sleepCtx(ctx, req.Interval) != nil {
				return c.abort(ctx, st)
			}
			continue
		}
		price, err := st.target(book)
		if err != nil {
			return c.fail(st, err)
		}
		qty := common.FloorToStep(st.remaining(), f.StepSize)
		if f.MinNotional.IsPositive() && common.Notional(qty, price).LessThan(f.MinNotional) {
			if st.filled.IsPositive() {
				return c.complete(ctx, st)
			}
			return c.fail(st, fmt.Errorf("%s %s x %s: %w", req.Symbol, qty, price, ErrBelowMinNotional))
		}

		clientID := newClientID()
		st.clientIDs[clientID] = struct{}{}
		c.active.Store(clientID, struct{}{})
		st.lastPrice = price
		st.attempts++

		order, err := c.ex.SubmitOrder(ctx, common.OrderRequest{
			Symbol:      req.Symbol,
			Side:        req.Side,
			Type:        common.OrderTypeLimit,
			Qty:         qty,
			Price:       price,
			TimeInForce: common.TIFGTX,
			ClientID:    clientID,
			ReduceOnly:  req.ReduceOnly,
		})
		switch {
		case err == nil:
			st.current = &liveOrder{id: order.ExchangeOrderID, clientID: clientID}
			st.orderIDs = append(st.orderIDs, order.ExchangeOrderID)
			log.Debug("quoted", zap.String("price", price.String()), zap.String("qty", qty.String()), zap.Int("attempt", st.attempts))
		case common.IsPostOnlyReject(err):
			st.lastErr = err
			continue
		case ctx.Err() != nil:
			st.current = &liveOrder{clientID: clientID, unknown: true}
			return c.abort(ctx, st)
		case common.IsOutcomeUnknown(err):
			// the order may rest on the book; settle finds it by client id
			log.Warn("placement outcome unknown", zap.String("client_id", clientID), zap.Error(err))
			st.current = &liveOrder{clientID: clientID, unknown: true}
			st.lastErr = err
			if sleepCtx(ctx, req.Interval) != nil {
				return c.abort(ctx, st)
			}
			continue
		case common.IsMinNotional(err):
			return c.fail(st, fmt.Errorf("%s: %w: %w", req.Symbol, ErrBelowMinNotional, err))
		case common.IsRetryable(err):
			st.lastErr = err
			if sleepCtx(ctx, req.Interval) != nil {
				return c.abort(ctx, st)
			}
			continue
		default:
			return c.fail(st, err)
		}

		if sleepCtx(ctx, req.Interval) != nil {
			return c.abort(ctx, st)
		}
		c.poll(ctx, st)
		if st.current == nil && st.done() {
			return c.complete(ctx, st)
		}
	}
	return c.exhaust(ctx, st)
}

// poll reads the outstanding order and retires it if it is terminal.
func (c *Chaser) poll(ctx context.Context, st *chaseState) {
	o, err := c.ex.QueryOrder(ctx, st.req.Symbol, st.current.id, "")
	if err != nil {
		// the next settle reconciles
		return
	}
	if !o.Status.Open() {
		st.account(o)
		st.current = nil
	}
}

// settle clears the outstanding order: resolves an unknown placement by
// client id, cancels it and accounts its fills.
func (c *Chaser) settle(ctx context.Context, st *chaseState) error {
	cur := st.current
	symbol := st.req.Symbol
	if cur.unknown {
		o, err := c.ex.QueryOrder(ctx, symbol, "", cur.clientID)
		if err != nil {
			if common.IsUnknownOrder(err) {
				st.current = nil
				return nil
			}
			return fmt.Errorf("reconcile %s: %w", cur.clientID, err)
		}
		cur.id = o.ExchangeOrderID
		cur.unknown = false
		st.orderIDs = append(st.orderIDs, o.ExchangeOrderID)
		if !o.Status.Open() {
			st.account(o)
			st.current = nil
			return nil
		}
	}

	cancelErr := c.ex.CancelOrder(ctx, symbol, cur.id)
	o, err := c.ex.QueryOrder(ctx, symbol, cur.id, "")
	if err != nil {
		return errors.Join(cancelErr, err)
	}
	if o.Status.Open() {
		return fmt.Errorf("%w: %s: %v", ErrOrderStillOpen, cur.id, cancelErr)
	}
	st.account(o)
	st.current = nil
	return nil
}

// sweep cancels any open order that carries one of this chase's client ids.
func (c *Chaser) sweep(ctx context.Context, st *chaseState) {
	open, err := c.ex.GetOpenOrders(ctx, st.req.Symbol)
	if err != nil {
		c.logger.Error("open order sweep failed", zap.String("symbol", st.req.Symbol), zap.Error(err))
		return
	}
	for _, o := range open {
		if _, ours := st.clientIDs[o.ClientID]; !ours {
			continue
		}
		if err := c.ex.CancelOrder(ctx, st.req.Symbol, o.ExchangeOrderID); err != nil && !common.IsUnknownOrder(err) {
			c.logger.Error("sweep cancel failed", zap.String("symbol", st.req.Symbol), zap.String("order_id", o.ExchangeOrderID), zap.Error(err))
			continue
		}
		if final, err := c.ex.QueryOrder(ctx, st.req.Symbol, o.ExchangeOrderID, ""); err == nil && !final.Status.Open() {
			st.account(final)
		}
	}
}

// complete ends a filled chase. Orders from earlier attempts whose
// placement went unobserved are swept first.
func (c *Chaser) complete(ctx context.Context, st *chaseState) ChaseResult {
	if ctx.Err() != nil {
		return c.abort(ctx, st)
	}
	c.sweep(ctx, st)
	return c.finish(st, ChaseFilled)
}

func (c *Chaser) exhaust(ctx context.Context, st *chaseState) ChaseResult {
	if st.current != nil {
		if err := c.settle(ctx, st); err != nil {
			c.logger.Warn("final cancel failed", zap.String("symbol", st.req.Symbol), zap.Error(err))
		}
	}
	c.sweep(ctx, st)
	if st.done() {
		return c.finish(st, ChaseFilled)
	}
	return c.finish(st, ChaseExhausted)
}

func (c *Chaser) abort(ctx context.Context, st *chaseState) ChaseResult {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CancelTimeout)
	defer cancel()
	if st.current != nil {
		if err := c.settle(cctx, st); err != nil {
			c.logger.Error("force cancel failed", zap.String("symbol", st.req.Symbol), zap.Error(err))
		}
	}
	c.sweep(cctx, st)
	if st.done() {
		return c.finish(st, ChaseFilled)
	}
	return c.fail(st, ErrChaseAborted)
}

func (c *Chaser) fail(st *chaseState, err error) ChaseResult {
	st.err = err
	return c.finish(st, ChaseFailed)
}

func (c *Chaser) finish(st *chaseState, status ChaseStatus) ChaseResult {
	st.status = status
	res := st.result()
	c.logger.Info("chase finished",
		zap.String("symbol", res.Symbol),
		zap.String("side", string(res.Side)),
		zap.String("status", string(res.Status)),
		zap.String("filled", res.Filled.String()),
		zap.String("requested", res.Requested.String()),
		zap.Int("attempts", res.Attempts),
		zap.Error(res.Err))
	return res
}

func (c *Chaser) release(st *chaseState) {
	for id := range st.clientIDs {
		c.active.Delete(id)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
