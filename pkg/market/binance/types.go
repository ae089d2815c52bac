package market

import "github.com/shopspring/decimal"

// Kind identifies the payload carried by a stream message.
type Kind string

const (
	KindBar      Kind = "kline"
	KindAggTrade Kind = "aggTrade"
	KindTrade    Kind = "trade"
)

// Trade is one public execution. Immutable once received.
type Trade struct {
	Symbol       string
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	IsBuyerMaker bool
	// TradeID is the aggregate id for aggTrade streams and the raw id for trade streams.
	TradeID     int64
	EventTimeMs int64
	TradeTimeMs int64
}

// Bar is one candlestick. An open bar is replaced in place until IsFinal.
type Bar struct {
	Symbol          string
	Interval        string
	IntervalStartMs int64
	CloseTimeMs     int64
	Open            decimal.Decimal
	High            decimal.Decimal
	Low             decimal.Decimal
	Close           decimal.Decimal
	Volume          decimal.Decimal
	IsFinal         bool
}

// Message is a decoded stream frame. Exactly one of Bar/Trade is meaningful,
// selected by Kind.
type Message struct {
	Stream string
	Kind   Kind
	Symbol string
	Bar    Bar
	Trade  Trade
}

// TimestampMs is the message's ordering key.
func (m Message) TimestampMs() int64 {
	if m.Kind == KindBar {
		return m.Bar.IntervalStartMs
	}
	return m.Trade.TradeTimeMs
}
