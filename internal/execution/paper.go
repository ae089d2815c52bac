package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-pipeline/pkg/exchanges/common"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	Balance decimal.Decimal
	// FillProbability is the chance a resting order fills when queried.
	FillProbability float64
	// SlippageBps is applied to market fills against the quoted side.
	SlippageBps    float64
	DefaultFilters common.SymbolFilters
	LatencyMin     time.Duration
	LatencyMax     time.Duration
	Seed           int64
}

// PaperExchange is an in-memory venue with a post-only matching model. It
// backs dry-run mode and the execution tests.
type PaperExchange struct {
	mu  sync.Mutex
	cfg PaperConfig
	rng *rand.Rand

	books     map[string]common.BookTicker
	filters   map[string]common.SymbolFilters
	orders    map[string]*common.OrderResult
	byClient  map[string]string
	positions map[string]common.Position
	leverage  map[string]int
	failures  map[string][]error
	nextID    int64

	placements []common.OrderRequest
}

// Paper operation names accepted by FailNext.
const (
	OpSubmit    = "submit"
	OpCancel    = "cancel"
	OpQuery     = "query"
	OpBook      = "book"
	OpOpen      = "open_orders"
	OpCancelAll = "cancel_all"
	OpLeverage  = "leverage"
)

// NewPaperExchange builds an empty paper venue.
func NewPaperExchange(cfg PaperConfig) *PaperExchange {
	if cfg.DefaultFilters.TickSize.IsZero() {
		cfg.DefaultFilters = common.SymbolFilters{
			TickSize:    decimal.RequireFromString("0.01"),
			StepSize:    decimal.RequireFromString("0.001"),
			MinQty:      decimal.RequireFromString("0.001"),
			MinNotional: decimal.NewFromInt(5),
		}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &PaperExchange{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(seed)),
		books:     make(map[string]common.BookTicker),
		filters:   make(map[string]common.SymbolFilters),
		orders:    make(map[string]*common.OrderResult),
		byClient:  make(map[string]string),
		positions: make(map[string]common.Position),
		leverage:  make(map[string]int),
		failures:  make(map[string][]error),
	}
}

// SetBook moves the top of book and fills resting orders it crosses.
func (p *PaperExchange) SetBook(symbol string, bid, ask decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.books[symbol] = common.BookTicker{Symbol: symbol, BidPrice: bid, AskPrice: ask, BidQty: decimal.NewFromInt(1), AskQty: decimal.NewFromInt(1)}
	for _, o := range p.orders {
		if o.Symbol != symbol || !o.Status.Open() {
			continue
		}
		if (o.Side == common.SideBuy && ask.LessThanOrEqual(o.Price)) ||
			(o.Side == common.SideSell && bid.GreaterThanOrEqual(o.Price)) {
			p.fillLocked(o, o.OrigQty.Sub(o.ExecutedQty))
		}
	}
}

// SetFilters overrides the precision rules for one symbol.
func (p *PaperExchange) SetFilters(f common.SymbolFilters) {
	p.mu.Lock()
	p.filters[f.Symbol] = f
	p.mu.Unlock()
}

// SetPosition seeds a signed position.
func (p *PaperExchange) SetPosition(symbol string, amount, entry decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount.IsZero() {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = common.Position{Symbol: symbol, Amount: amount, EntryPrice: entry, MarkPrice: entry, Leverage: p.leverage[symbol]}
}

// SetFillProbability changes how often a queried resting order fills.
func (p *PaperExchange) SetFillProbability(prob float64) {
	p.mu.Lock()
	p.cfg.FillProbability = prob
	p.mu.Unlock()
}

// FailNext queues err as the next result of op.
func (p *PaperExchange) FailNext(op string, err error) {
	p.mu.Lock()
	p.failures[op] = append(p.failures[op], err)
	p.mu.Unlock()
}

// Fill executes qty of an open order at its limit price.
func (p *PaperExchange) Fill(orderID string, qty decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[orderID]; ok && o.Status.Open() {
		p.fillLocked(o, qty)
	}
}

// Placements returns every order request accepted or rejected so far.
func (p *PaperExchange) Placements() []common.OrderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]common.OrderRequest, len(p.placements))
	copy(out, p.placements)
	return out
}

func (p *PaperExchange) failure(op string) error {
	q := p.failures[op]
	if len(q) == 0 {
		return nil
	}
	p.failures[op] = q[1:]
	return q[0]
}

func (p *PaperExchange) latency(ctx context.Context) error {
	lo, hi := p.cfg.LatencyMin, p.cfg.LatencyMax
	if hi <= 0 {
		return ctx.Err()
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	p.mu.Lock()
	d := lo + time.Duration(p.rng.Int63n(int64(hi-lo)+1))
	p.mu.Unlock()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *PaperExchange) filtersLocked(symbol string) common.SymbolFilters {
	if f, ok := p.filters[symbol]; ok {
		return f
	}
	f := p.cfg.DefaultFilters
	f.Symbol = symbol
	return f
}

func (p *PaperExchange) fillLocked(o *common.OrderResult, qty decimal.Decimal) {
	left := o.OrigQty.Sub(o.ExecutedQty)
	if qty.GreaterThan(left) {
		qty = left
	}
	if qty.Sign() <= 0 {
		return
	}
	o.AvgPrice = o.AvgPrice.Mul(o.ExecutedQty).Add(o.Price.Mul(qty)).Div(o.ExecutedQty.Add(qty))
	o.ExecutedQty = o.ExecutedQty.Add(qty)
	if o.ExecutedQty.Equal(o.OrigQty) {
		o.Status = common.StatusFilled
	} else {
		o.Status = common.StatusPartial
	}

	signed := qty
	if o.Side == common.SideSell {
		signed = qty.Neg()
	}
	pos := p.positions[o.Symbol]
	pos.Symbol = o.Symbol
	next := pos.Amount.Add(signed)
	if pos.Amount.IsZero() || pos.Amount.Sign() == signed.Sign() {
		total := pos.Amount.Abs().Add(qty)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Amount.Abs()).Add(o.Price.Mul(qty)).Div(total)
	}
	pos.Amount = next
	pos.MarkPrice = o.Price
	pos.Leverage = p.leverage[o.Symbol]
	if next.IsZero() {
		delete(p.positions, o.Symbol)
		return
	}
	p.positions[o.Symbol] = pos
}

// SubmitOrder implements common.Gateway.
func (p *PaperExchange) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := p.latency(ctx); err != nil {
		return common.OrderResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placements = append(p.placements, req)
	if err := p.failure(OpSubmit); err != nil {
		return common.OrderResult{}, err
	}

	book, ok := p.books[req.Symbol]
	if !ok {
		return common.OrderResult{}, &common.APIError{Status: 400, Code: -1121, Msg: "Invalid symbol."}
	}
	f := p.filtersLocked(req.Symbol)
	if req.Qty.Sign() <= 0 {
		return common.OrderResult{}, &common.APIError{Status: 400, Code: -4003, Msg: "Quantity less than or equal to zero."}
	}
	if req.ClientID != "" {
		if _, dup := p.byClient[req.ClientID]; dup {
			return common.OrderResult{}, &common.APIError{Status: 400, Code: -4015, Msg: "Client order id is not valid."}
		}
	}

	price := req.Price
	if req.Type == common.OrderTypeMarket {
		price = book.AskPrice
		if req.Side == common.SideSell {
			price = book.BidPrice
		}
		if frac := p.cfg.SlippageBps / 10000.0; frac > 0 {
			noise := decimal.NewFromFloat(p.rng.Float64() * frac)
			if req.Side == common.SideBuy {
				price = price.Mul(decimal.NewFromInt(1).Add(noise))
			} else {
				price = price.Mul(decimal.NewFromInt(1).Sub(noise))
			}
		}
	}

	qty := req.Qty
	if req.ReduceOnly {
		pos := p.positions[req.Symbol]
		reducible := (req.Side == common.SideSell && pos.Amount.IsPositive()) ||
			(req.Side == common.SideBuy && pos.Amount.IsNegative())
		if !reducible {
			return common.OrderResult{}, &common.APIError{Status: 400, Code: -2022, Msg: "ReduceOnly Order is rejected."}
		}
		if qty.GreaterThan(pos.Amount.Abs()) {
			qty = pos.Amount.Abs()
		}
	}
	if f.MinNotional.IsPositive() && qty.Mul(price).LessThan(f.MinNotional) {
		return common.OrderResult{}, &common.APIError{Status: 400, Code: common.CodeMinNotional,
			Msg: fmt.Sprintf("Order's notional must be no smaller than %s (unless you choose reduce only).", f.MinNotional)}
	}
	if req.Type == common.OrderTypeLimit && req.TimeInForce == common.TIFGTX {
		if (req.Side == common.SideBuy && price.GreaterThanOrEqual(book.AskPrice)) ||
			(req.Side == common.SideSell && price.LessThanOrEqual(book.BidPrice)) {
			return common.OrderResult{}, &common.APIError{Status: 400, Code: common.CodePostOnlyReject,
				Msg: "Due to the order could not be executed as maker, the Post Only order will be rejected."}
		}
	}

	p.nextID++
	id := strconv.FormatInt(p.nextID, 10)
	o := &common.OrderResult{
		ExchangeOrderID: id,
		ClientID:        req.ClientID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Status:          common.StatusNew,
		Price:           price,
		OrigQty:         qty,
		ExecutedQty:     decimal.Zero,
		AvgPrice:        decimal.Zero,
	}
	p.orders[id] = o
	if req.ClientID != "" {
		p.byClient[req.ClientID] = id
	}
	if req.Type == common.OrderTypeMarket {
		p.fillLocked(o, qty)
	}
	return *o, nil
}

// CancelOrder implements common.Gateway.
func (p *PaperExchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := p.latency(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpCancel); err != nil {
		return err
	}
	o, ok := p.orders[exchangeOrderID]
	if !ok || o.Symbol != symbol || !o.Status.Open() {
		return &common.APIError{Status: 400, Code: common.CodeUnknownOrder, Msg: "Unknown order sent."}
	}
	o.Status = common.StatusCanceled
	return nil
}

// QueryOrder implements common.Gateway. Resting orders may fill on query
// according to FillProbability.
func (p *PaperExchange) QueryOrder(ctx context.Context, symbol, exchangeOrderID, clientID string) (common.OrderResult, error) {
	if err := p.latency(ctx); err != nil {
		return common.OrderResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpQuery); err != nil {
		return common.OrderResult{}, err
	}
	id := exchangeOrderID
	if id == "" {
		id = p.byClient[clientID]
	}
	o, ok := p.orders[id]
	if !ok || o.Symbol != symbol {
		return common.OrderResult{}, &common.APIError{Status: 400, Code: common.CodeNoSuchOrder, Msg: "Order does not exist."}
	}
	if o.Status.Open() && p.cfg.FillProbability > 0 && p.rng.Float64() < p.cfg.FillProbability {
		p.fillLocked(o, o.OrigQty.Sub(o.ExecutedQty))
	}
	return *o, nil
}

// CancelAllOpenOrders implements common.Gateway.
func (p *PaperExchange) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpCancelAll); err != nil {
		return err
	}
	for _, o := range p.orders {
		if o.Symbol == symbol && o.Status.Open() {
			o.Status = common.StatusCanceled
		}
	}
	return nil
}

// GetOpenOrders implements common.Gateway.
func (p *PaperExchange) GetOpenOrders(ctx context.Context, symbol string) ([]common.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpOpen); err != nil {
		return nil, err
	}
	var out []common.OrderResult
	for _, o := range p.orders {
		if o.Status.Open() && (symbol == "" || o.Symbol == symbol) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeOrderID < out[j].ExchangeOrderID })
	return out, nil
}

// SymbolFilters implements common.MarketData.
func (p *PaperExchange) SymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filtersLocked(symbol), nil
}

// BookTicker implements common.MarketData.
func (p *PaperExchange) BookTicker(ctx context.Context, symbol string) (common.BookTicker, error) {
	if err := p.latency(ctx); err != nil {
		return common.BookTicker{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpBook); err != nil {
		return common.BookTicker{}, err
	}
	b, ok := p.books[symbol]
	if !ok {
		return common.BookTicker{}, &common.APIError{Status: 400, Code: -1121, Msg: "Invalid symbol."}
	}
	return b, nil
}

// MarkPrice implements common.MarketData using the book mid.
func (p *PaperExchange) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.books[symbol]
	if !ok {
		return decimal.Zero, &common.APIError{Status: 400, Code: -1121, Msg: "Invalid symbol."}
	}
	return b.BidPrice.Add(b.AskPrice).Div(decimal.NewFromInt(2)), nil
}

// GetPositions implements common.Account.
func (p *PaperExchange) GetPositions(ctx context.Context, symbol string) ([]common.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []common.Position
	for s, pos := range p.positions {
		if symbol != "" && s != symbol {
			continue
		}
		if b, ok := p.books[s]; ok {
			pos.MarkPrice = b.BidPrice.Add(b.AskPrice).Div(decimal.NewFromInt(2))
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetBalance implements common.Account.
func (p *PaperExchange) GetBalance(ctx context.Context) ([]common.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return []common.Balance{{Asset: "USDT", Balance: p.cfg.Balance, Available: p.cfg.Balance}}, nil
}

// SetLeverage implements common.Account.
func (p *PaperExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpLeverage); err != nil {
		return err
	}
	if leverage < 1 || leverage > 125 {
		return &common.APIError{Status: 400, Code: -4028, Msg: "Leverage " + strconv.Itoa(leverage) + " is not valid"}
	}
	p.leverage[symbol] = leverage
	return nil
}

// Leverage returns the leverage last set for symbol.
func (p *PaperExchange) Leverage(symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leverage[symbol]
}
