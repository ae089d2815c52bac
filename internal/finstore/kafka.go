package finstore

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the appender uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer keyed by symbol so each symbol's records
// stay ordered within one partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// KafkaAppender publishes one message per record; consumers dedup on
// (symbol, timeframe, ts).
type KafkaAppender struct {
	w MessageWriter
}

func NewKafkaAppender(w MessageWriter) *KafkaAppender {
	return &KafkaAppender{w: w}
}

type kafkaRecord struct {
	Symbol    string         `json:"symbol"`
	Timeframe string         `json:"timeframe"`
	Ts        int64          `json:"ts"`
	Fields    map[string]any `json:"fields"`
}

func (a *KafkaAppender) Append(ctx context.Context, symbol, timeframe string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		value, err := json.Marshal(kafkaRecord{Symbol: symbol, Timeframe: timeframe, Ts: r.TimestampMs, Fields: r.Fields})
		if err != nil {
			return fmt.Errorf("encode %s/%s@%d: %w", symbol, timeframe, r.TimestampMs, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(symbol),
			Value: value,
			Time:  time.UnixMilli(r.TimestampMs),
			Headers: []kafka.Header{
				{Key: "timeframe", Value: []byte(timeframe)},
			},
		})
	}
	if err := a.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka append %s/%s: %w", symbol, timeframe, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (a *KafkaAppender) Close() error { return a.w.Close() }
