package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"post only", &APIError{Status: 400, Code: CodePostOnlyReject}, true},
		{"rate limited", fmt.Errorf("wrap: %w", &APIError{Status: 429, Code: CodeTooManyRequests}), true},
		{"server", &APIError{Status: 502}, true},
		{"clock skew", &APIError{Status: 400, Code: CodeTimestamp}, true},
		{"min notional", &APIError{Status: 400, Code: CodeMinNotional}, false},
		{"insufficient margin", &APIError{Status: 400, Code: -2019, Msg: "Margin is insufficient."}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsOutcomeUnknown(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", &APIError{Status: 503, Code: -1000, Msg: "Unknown error, please check your request or try again later."}, true},
		{"wrapped gateway", fmt.Errorf("submit: %w", &APIError{Status: 502}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"connection reset", &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}, true},
		{"rate limited", &APIError{Status: 429, Code: CodeTooManyRequests}, false},
		{"post only", &APIError{Status: 400, Code: CodePostOnlyReject}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsOutcomeUnknown(tt.err))
		})
	}
}

func TestMinNotionalMatchesMessage(t *testing.T) {
	err := &APIError{Status: 400, Code: -1111, Msg: "Order's Notional must be no smaller than 5.0"}
	assert.True(t, IsMinNotional(err))
	assert.False(t, IsPostOnlyReject(err))
}

func TestStepRounding(t *testing.T) {
	d := decimal.RequireFromString
	assert.Equal(t, "1.23", FloorToStep(d("1.2399"), d("0.01")).String())
	assert.Equal(t, "1.24", CeilToStep(d("1.2301"), d("0.01")).String())
	assert.Equal(t, "1.23", CeilToStep(d("1.23"), d("0.01")).String())
	assert.Equal(t, "7", FloorToStep(d("7"), decimal.Zero).String())
}
