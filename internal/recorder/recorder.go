// Package recorder turns classified events into durable log records.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"whale-alerts/internal/clock"
	"whale-alerts/internal/event"
	"whale-alerts/internal/storage"
	"whale-alerts/internal/tier"
)

// ErrNotQualifying is returned for events below the lowest tier.
var ErrNotQualifying = errors.New("recorder: event does not qualify for any tier")

// Recorder is the single writer of the record log.
type Recorder struct {
	mu    sync.Mutex
	log   storage.RecordLog
	clock clock.Clock
}

// New wraps log. clk stamps CreatedAt; nil means the real clock.
func New(log storage.RecordLog, clk clock.Clock) *Recorder {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Recorder{log: log, clock: clk}
}

// Record appends ev under stream. It reports false without error when the
// event had already been recorded.
func (r *Recorder) Record(ctx context.Context, stream string, ev event.Classified) (bool, error) {
	if ev.Tier == tier.None {
		return false, ErrNotQualifying
	}
	if r.log == nil {
		return false, storage.ErrNotConfigured
	}

	rec := BuildRecord(stream, ev)
	rec.CreatedAt = r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	inserted, err := r.log.AppendRecord(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("append record %s/%s: %w", stream, ev.ID, err)
	}
	return inserted, nil
}

// BuildRecord maps a classified event onto the persisted row layout.
func BuildRecord(stream string, ev event.Classified) storage.Record {
	return storage.Record{
		Stream:      stream,
		EventID:     ev.ID,
		Timestamp:   ev.Timestamp,
		DateTime:    ev.Time().Format(storage.DateTimeLayout),
		Kind:        string(ev.Kind),
		Tier:        ev.Tier.Label(),
		AmountUSD:   ev.MagnitudeUSD,
		Token0:      ev.Pool.Token0,
		Token1:      ev.Pool.Token1,
		PoolID:      ev.Pool.ID,
		TxHash:      ev.Tx.Hash,
		BlockNumber: ev.Tx.BlockNumber,
		Origin:      ev.Origin,
		Amount0:     ev.Amount0,
		Amount1:     ev.Amount1,
		LogIndex:    ev.LogIndex,
	}
}
