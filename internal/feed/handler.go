package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	market "trading-pipeline/pkg/market/binance"
)

var (
	ErrUnknownHandler = errors.New("feed: unknown message handler")
	ErrNilHandler     = errors.New("feed: nil message handler")
)

// MessageHandler processes decoded messages after they reach the window.
// Handle runs on a bounded task pool and must respect ctx.
type MessageHandler interface {
	Name() string
	Handle(ctx context.Context, msg market.Message) error
}

// HandlerFactory builds a fresh handler for ReloadHandler.
type HandlerFactory func() (MessageHandler, error)

// Registry maps handler names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewRegistry returns a registry with the built-in "noop" and "debug"
// handlers; "default" resolves to noop until something else registers it.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{factories: make(map[string]HandlerFactory)}
	r.Register("noop", func() (MessageHandler, error) { return NoopHandler{}, nil })
	r.Register("debug", func() (MessageHandler, error) { return &DebugHandler{logger: logger.Named("debug")}, nil })
	r.Register("default", func() (MessageHandler, error) { return NoopHandler{}, nil })
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f HandlerFactory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

// Build creates the handler registered under name.
func (r *Registry) Build(name string) (MessageHandler, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
	}
	h, err := f()
	if err != nil {
		return nil, fmt.Errorf("build handler %q: %w", name, err)
	}
	if h == nil {
		return nil, fmt.Errorf("build handler %q: %w", name, ErrNilHandler)
	}
	return h, nil
}

// Names lists registered handlers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// NoopHandler discards messages.
type NoopHandler struct{}

func (NoopHandler) Name() string                                { return "noop" }
func (NoopHandler) Handle(context.Context, market.Message) error { return nil }

// DebugHandler logs every message at debug level.
type DebugHandler struct {
	logger *zap.Logger
}

func (h *DebugHandler) Name() string { return "debug" }

func (h *DebugHandler) Handle(_ context.Context, msg market.Message) error {
	fields := []zap.Field{zap.String("symbol", msg.Symbol), zap.String("kind", string(msg.Kind))}
	switch msg.Kind {
	case market.KindBar:
		fields = append(fields,
			zap.Int64("start", msg.Bar.IntervalStartMs),
			zap.String("close", msg.Bar.Close.String()),
			zap.Bool("final", msg.Bar.IsFinal))
	default:
		fields = append(fields,
			zap.Int64("id", msg.Trade.TradeID),
			zap.String("price", msg.Trade.Price.String()),
			zap.String("qty", msg.Trade.Quantity.String()))
	}
	h.logger.Debug("message", fields...)
	return nil
}

// BarRecorder forwards closed bars to a sink, e.g. the historical store.
type BarRecorder struct {
	Sink func(ctx context.Context, bar market.Bar) error
}

func (h *BarRecorder) Name() string { return "default" }

func (h *BarRecorder) Handle(ctx context.Context, msg market.Message) error {
	if msg.Kind != market.KindBar || !msg.Bar.IsFinal || h.Sink == nil {
		return nil
	}
	return h.Sink(ctx, msg.Bar)
}
