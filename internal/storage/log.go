package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrMalformedLog is returned when persisted rows cannot be decoded.
	ErrMalformedLog = errors.New("storage: malformed record log")
	// ErrInvalidRecord is returned for records missing identity fields.
	ErrInvalidRecord = errors.New("storage: record requires stream and event id")
)

// RecordLog is the append-only durable log used for auditing and watermark recovery.
type RecordLog interface {
	// AppendRecord durably stores rec. It returns false without error when a
	// record with the same (stream, event id) already exists.
	AppendRecord(ctx context.Context, rec Record) (bool, error)
	// MaxTimestamp returns the greatest Timestamp recorded for stream.
	MaxTimestamp(ctx context.Context, stream string) (int64, bool, error)
}

// RecordReader serves the read-side CLI commands.
type RecordReader interface {
	ListRecentRecords(ctx context.Context, limit int) ([]Record, error)
	ListRecordsBetween(ctx context.Context, from, to time.Time) ([]Record, error)
	CountRecords(ctx context.Context) (int64, error)
}

// Backend is a complete storage implementation.
type Backend interface {
	RecordLog
	RecordReader
	Close() error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

func validateRecord(rec Record) error {
	if rec.Stream == "" || rec.EventID == "" {
		return ErrInvalidRecord
	}
	return nil
}
