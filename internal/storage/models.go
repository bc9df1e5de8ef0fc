package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateTimeLayout formats the human-readable column of a record.
const DateTimeLayout = "2006-01-02T15:04:05Z"

// Record is one durable row of the audit log. Records are append-only and
// unique per (Stream, EventID).
type Record struct {
	Stream      string
	EventID     string
	Timestamp   int64
	DateTime    string
	Kind        string
	Tier        string
	AmountUSD   decimal.Decimal
	Token0      string
	Token1      string
	PoolID      string
	TxHash      string
	BlockNumber int64
	Origin      string
	Amount0     decimal.Decimal
	Amount1     decimal.Decimal
	LogIndex    int64
	CreatedAt   time.Time
}

// EventTime returns Timestamp as a UTC time.
func (r Record) EventTime() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

func recordKey(stream, eventID string) string {
	return stream + "|" + eventID
}
