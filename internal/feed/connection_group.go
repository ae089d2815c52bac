package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading-pipeline/internal/events"
)

// ErrDialExhausted is returned by a group that never connected and ran out
// of dial attempts.
var ErrDialExhausted = errors.New("feed: dial attempts exhausted")

// GroupConfig tunes one websocket connection.
type GroupConfig struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64
	PingInterval   time.Duration
	// ReadTimeout is the longest silence, pongs included, before the
	// connection counts as dropped.
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	// MaxDialFailures caps consecutive failed dials before the first
	// successful connect; 0 retries forever.
	MaxDialFailures int
}

func (c *GroupConfig) defaults() {
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		c.BackoffJitter = 0.2
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// ConnectionGroup is one combined-stream socket for a fixed set of streams.
// It reconnects with exponential backoff until stopped.
type ConnectionGroup struct {
	id       int
	url      string
	streams  []string
	cfg      GroupConfig
	dispatch func([]byte)
	onStatus func(events.FeedStatus)
	logger   *zap.Logger
	dialer   *websocket.Dialer

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	connected  atomic.Bool
	reconnects atomic.Int64
}

// NewConnectionGroup builds a group for streams under baseURL. dispatch
// receives every raw frame on the group's read goroutine.
func NewConnectionGroup(id int, url string, streams []string, cfg GroupConfig, dispatch func([]byte), logger *zap.Logger) *ConnectionGroup {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionGroup{
		id:       id,
		url:      url,
		streams:  streams,
		cfg:      cfg,
		dispatch: dispatch,
		logger:   logger.With(zap.Int("group", id), zap.Int("streams", len(streams))),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		done: make(chan struct{}),
	}
}

// OnStatus registers a callback for connect/disconnect/give-up transitions.
// Call before Run.
func (g *ConnectionGroup) OnStatus(fn func(events.FeedStatus)) { g.onStatus = fn }

// ID returns the group index.
func (g *ConnectionGroup) ID() int { return g.id }

// Streams returns the streams this group carries.
func (g *ConnectionGroup) Streams() []string { return g.streams }

// Connected reports whether the socket is currently open.
func (g *ConnectionGroup) Connected() bool { return g.connected.Load() }

// Reconnects counts reconnects after a dropped connection.
func (g *ConnectionGroup) Reconnects() int64 { return g.reconnects.Load() }

// Run connects and reads until ctx ends or Stop is called. It returns nil
// on shutdown and ErrDialExhausted when the group gives up.
func (g *ConnectionGroup) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.mu.Lock()
	if g.started || g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	g.cancel = cancel
	g.mu.Unlock()
	defer close(g.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.BackoffInitial
	bo.MaxInterval = g.cfg.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = g.cfg.BackoffJitter
	bo.Reset()

	everConnected := false
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, _, err := g.dialer.DialContext(ctx, g.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if !everConnected && g.cfg.MaxDialFailures > 0 && failures >= g.cfg.MaxDialFailures {
				g.status(events.FeedGaveUp, err)
				g.logger.Error("giving up on feed group", zap.Int("failures", failures), zap.Error(err))
				return fmt.Errorf("group %d: %w: %w", g.id, ErrDialExhausted, err)
			}
			wait := bo.NextBackOff()
			g.logger.Warn("dial failed", zap.Int("failures", failures), zap.Duration("retry_in", wait), zap.Error(err))
			if sleepCtx(ctx, wait) != nil {
				return nil
			}
			continue
		}

		everConnected = true
		failures = 0
		bo.Reset()
		g.connected.Store(true)
		g.status(events.FeedConnected, nil)
		g.logger.Info("feed group connected")

		err = g.read(ctx, conn)
		g.connected.Store(false)
		if ctx.Err() != nil {
			g.status(events.FeedDisconnected, nil)
			return nil
		}
		g.status(events.FeedDisconnected, err)

		g.reconnects.Add(1)
		wait := bo.NextBackOff()
		g.logger.Warn("feed dropped, reconnecting", zap.Duration("retry_in", wait), zap.Error(err))
		if sleepCtx(ctx, wait) != nil {
			return nil
		}
	}
}

// Stop closes the socket and waits for Run to return. No frame is
// dispatched after Stop returns.
func (g *ConnectionGroup) Stop() {
	g.mu.Lock()
	g.stopped = true
	started, cancel := g.started, g.cancel
	g.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-g.done
}

func (g *ConnectionGroup) read(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()
	// unblocks ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	extend := func() error { return conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout)) }
	if err := extend(); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error { return extend() })
	conn.SetPingHandler(func(data string) error {
		_ = extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(g.cfg.WriteTimeout))
		var ne net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil
		}
		return err
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		t := time.NewTicker(g.cfg.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.cfg.WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = extend()
		g.dispatch(data)
	}
}

func (g *ConnectionGroup) status(state string, err error) {
	if g.onStatus == nil {
		return
	}
	st := events.FeedStatus{Group: g.id, State: state, Streams: len(g.streams)}
	if err != nil {
		st.Error = err.Error()
	}
	g.onStatus(st)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
