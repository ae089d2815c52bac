package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Binance error codes the pipeline reacts to.
const (
	CodeTooManyRequests = -1003
	CodeTimestamp       = -1021
	CodeUnknownOrder    = -2011
	CodeNoSuchOrder     = -2013
	CodeMinNotional     = -4164
	CodePostOnlyReject  = -5022
)

var ErrCredentialsRequired = errors.New("API key/secret required")

// APIError is a non-2xx answer from the exchange.
type APIError struct {
	Status int
	Code   int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange status %d code %d: %s", e.Status, e.Code, e.Msg)
}

// IsPostOnlyReject reports a maker-only order that would have taken liquidity.
func IsPostOnlyReject(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodePostOnlyReject || strings.Contains(apiErr.Msg, "Post Only order will be rejected")
}

// IsMinNotional reports an order below the exchange's minimum notional.
func IsMinNotional(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeMinNotional || strings.Contains(strings.ToLower(apiErr.Msg), "notional must be no smaller")
}

// IsUnknownOrder reports a cancel or query for an order the book no longer holds.
func IsUnknownOrder(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeUnknownOrder || apiErr.Code == CodeNoSuchOrder
}

// IsTimeout reports a call whose outcome is unknown to the caller.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsOutcomeUnknown reports a failed write that may still have reached the
// matching engine: timeouts, 5xx answers (Binance documents 503 as
// "execution status unknown") and transport errors.
func IsOutcomeUnknown(err error) bool {
	if err == nil {
		return false
	}
	if IsTimeout(err) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRetryable separates transient failures from terminal rejections.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPostOnlyReject(err) || IsTimeout(err) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 429 || apiErr.Status >= 500:
			return true
		case apiErr.Code == CodeTooManyRequests || apiErr.Code == CodeTimestamp:
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
