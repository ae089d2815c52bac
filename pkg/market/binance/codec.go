package market

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

var ErrUnsupportedEvent = errors.New("unsupported stream event")

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type rawEvent struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	AggID     int64           `json:"a"`
	TradeID   int64           `json:"t"`
	Price     decimal.Decimal `json:"p"`
	Qty       decimal.Decimal `json:"q"`
	TradeTime int64           `json:"T"`
	BuyerIsMM bool            `json:"m"`
	Kline     *rawKline       `json:"k"`
}

type rawKline struct {
	StartTime int64           `json:"t"`
	CloseTime int64           `json:"T"`
	Symbol    string          `json:"s"`
	Interval  string          `json:"i"`
	Open      decimal.Decimal `json:"o"`
	Close     decimal.Decimal `json:"c"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Volume    decimal.Decimal `json:"v"`
	Final     bool            `json:"x"`
}

// ParseMessage decodes a combined-stream frame, or a bare event when the
// frame carries no envelope.
func ParseMessage(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	data := []byte(env.Data)
	if len(data) == 0 {
		data = frame
	}

	var ev rawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return Message{}, fmt.Errorf("decode %s event: %w", env.Stream, err)
	}

	msg := Message{Stream: env.Stream, Symbol: strings.ToUpper(ev.Symbol)}
	switch ev.Event {
	case "kline":
		if ev.Kline == nil {
			return Message{}, fmt.Errorf("kline event %s without payload", env.Stream)
		}
		k := ev.Kline
		msg.Kind = KindBar
		msg.Bar = Bar{
			Symbol:          strings.ToUpper(k.Symbol),
			Interval:        k.Interval,
			IntervalStartMs: k.StartTime,
			CloseTimeMs:     k.CloseTime,
			Open:            k.Open,
			High:            k.High,
			Low:             k.Low,
			Close:           k.Close,
			Volume:          k.Volume,
			IsFinal:         k.Final,
		}
		if msg.Bar.Symbol == "" {
			msg.Bar.Symbol = msg.Symbol
		}
	case "aggTrade", "trade":
		msg.Kind = Kind(ev.Event)
		id := ev.TradeID
		if msg.Kind == KindAggTrade {
			id = ev.AggID
		}
		msg.Trade = Trade{
			Symbol:       msg.Symbol,
			Price:        ev.Price,
			Quantity:     ev.Qty,
			IsBuyerMaker: ev.BuyerIsMM,
			TradeID:      id,
			EventTimeMs:  ev.EventTime,
			TradeTimeMs:  ev.TradeTime,
		}
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnsupportedEvent, ev.Event)
	}
	if msg.Symbol == "" {
		return Message{}, fmt.Errorf("%s event without symbol", ev.Event)
	}
	return msg, nil
}

// ChannelName builds the stream suffix, e.g. kline_1m or aggTrade.
func ChannelName(channel, interval string) string {
	if channel == string(KindBar) {
		return channel + "_" + interval
	}
	return channel
}

// StreamName builds a stream id; Binance requires lowercase symbols.
func StreamName(symbol, channel string) string {
	return strings.ToLower(symbol) + "@" + channel
}

// SymbolFromStream recovers the upper-case symbol from a stream id.
func SymbolFromStream(stream string) string {
	sym, _, _ := strings.Cut(stream, "@")
	return strings.ToUpper(sym)
}

// CombinedURL joins streams into one combined-stream endpoint.
func CombinedURL(base string, streams []string) string {
	return strings.TrimRight(base, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// Chunk splits items into consecutive groups of at most size, preserving order.
func Chunk(items []string, size int) [][]string {
	if size <= 0 {
		size = len(items)
	}
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end:end])
	}
	return out
}
