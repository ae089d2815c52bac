// Package finstore appends bars and signal candidates to the historical
// store. Deduplication by timestamp is the store's job.
package finstore

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	market "trading-pipeline/pkg/market/binance"
)

// SignalTimeframe is the timeframe candidates are filed under.
const SignalTimeframe = "signal"

// Record is one timestamped row of named fields.
type Record struct {
	TimestampMs int64          `json:"ts"`
	Fields      map[string]any `json:"fields"`
}

// Appender is the write side of the historical store.
type Appender interface {
	Append(ctx context.Context, symbol, timeframe string, records []Record) error
}

// BarRecord converts a bar into its stored row.
func BarRecord(b market.Bar) Record {
	return Record{
		TimestampMs: b.IntervalStartMs,
		Fields: map[string]any{
			"open":   b.Open,
			"high":   b.High,
			"low":    b.Low,
			"close":  b.Close,
			"volume": b.Volume,
		},
	}
}

// CandidateRecord converts a scored candidate into its stored row.
func CandidateRecord(generatedAtMs int64, score float64, referencePrice decimal.Decimal) Record {
	return Record{
		TimestampMs: generatedAtMs,
		Fields: map[string]any{
			"score":           score,
			"reference_price": referencePrice,
		},
	}
}

// Tee appends to every appender and joins their errors.
type Tee []Appender

func (t Tee) Append(ctx context.Context, symbol, timeframe string, records []Record) error {
	var errs []error
	for _, a := range t {
		if err := a.Append(ctx, symbol, timeframe, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Append(context.Context, string, string, []Record) error { return nil }
