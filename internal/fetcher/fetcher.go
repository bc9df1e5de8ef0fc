package fetcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"whale-alerts/internal/event"
)

// Error categories reported in logs and metrics.
const (
	CategoryRateLimited = "rate_limited"
	CategoryTransport   = "transport"
	CategoryMalformed   = "malformed"
	CategoryCanceled    = "canceled"
)

// ErrRateLimited is returned when the upstream answers HTTP 429.
var ErrRateLimited = errors.New("subgraph rate limited")

// MalformedResponseError wraps a response that could not be decoded.
type MalformedResponseError struct {
	Reason string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed subgraph response: %s: %v", e.Reason, e.Err)
	}
	return "malformed subgraph response: " + e.Reason
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// Query selects one batch of a stream.
type Query struct {
	Kind  event.Kind
	After int64
	First int
	// MinMagnitudeUSD is pushed upstream when positive.
	MinMagnitudeUSD decimal.Decimal
}

// BatchFetcher retrieves events strictly after Query.After in ascending
// timestamp order. Failures yield an empty batch.
type BatchFetcher interface {
	Fetch(ctx context.Context, q Query) []event.Raw
}

// Category maps an error onto one of the Category* constants.
func Category(err error) string {
	var malformed *MalformedResponseError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return CategoryCanceled
	case errors.Is(err, ErrRateLimited):
		return CategoryRateLimited
	case errors.As(err, &malformed):
		return CategoryMalformed
	default:
		return CategoryTransport
	}
}
