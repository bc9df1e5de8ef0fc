package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLog is a volatile record log used for dry runs and tests.
type MemoryLog struct {
	mu      sync.RWMutex
	records []Record
	keys    map[string]struct{}
	now     func() time.Time
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		keys: make(map[string]struct{}),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op.
func (m *MemoryLog) Close() error { return nil }

// AppendRecord stores a copy of rec unless it is a duplicate.
func (m *MemoryLog) AppendRecord(_ context.Context, rec Record) (bool, error) {
	if err := validateRecord(rec); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(rec.Stream, rec.EventID)
	if _, exists := m.keys[key]; exists {
		return false, nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	m.keys[key] = struct{}{}
	m.records = append(m.records, rec)
	return true, nil
}

// MaxTimestamp returns the newest timestamp for stream.
func (m *MemoryLog) MaxTimestamp(_ context.Context, stream string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		max   int64
		found bool
	)
	for _, r := range m.records {
		if r.Stream == stream && (!found || r.Timestamp > max) {
			max = r.Timestamp
			found = true
		}
	}
	return max, found, nil
}

// ListRecentRecords returns the newest records first.
func (m *MemoryLog) ListRecentRecords(_ context.Context, limit int) ([]Record, error) {
	out := m.Records()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRecordsBetween returns records in [from, to).
func (m *MemoryLog) ListRecordsBetween(_ context.Context, from, to time.Time) ([]Record, error) {
	var out []Record
	for _, r := range m.Records() {
		if r.Timestamp >= from.Unix() && r.Timestamp < to.Unix() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// CountRecords counts stored records.
func (m *MemoryLog) CountRecords(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}

// Records returns a snapshot in insertion order.
func (m *MemoryLog) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

var _ Backend = (*MemoryLog)(nil)
