package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS liquidity_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	stream TEXT NOT NULL,
	event_id TEXT NOT NULL,
	event_ts INTEGER NOT NULL,
	event_time TEXT NOT NULL,
	kind TEXT NOT NULL,
	tier TEXT NOT NULL,
	amount_usd TEXT NOT NULL,
	token0 TEXT NOT NULL DEFAULT '',
	token1 TEXT NOT NULL DEFAULT '',
	pool_id TEXT NOT NULL DEFAULT '',
	tx_hash TEXT NOT NULL DEFAULT '',
	block_number INTEGER NOT NULL DEFAULT 0,
	origin TEXT NOT NULL DEFAULT '',
	amount0 TEXT NOT NULL DEFAULT '0',
	amount1 TEXT NOT NULL DEFAULT '0',
	log_index INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(stream, event_id)
);

CREATE INDEX IF NOT EXISTS idx_liquidity_events_stream_ts ON liquidity_events(stream, event_ts);
`

const sqliteSelectColumns = `SELECT stream, event_id, event_ts, event_time, kind, tier, amount_usd,
	token0, token1, pool_id, tx_hash, block_number, origin, amount0, amount1, log_index, created_at
	FROM liquidity_events`

// SQLiteStore is a single-file record log.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage.sqlite_path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendRecord inserts rec, ignoring duplicates.
func (s *SQLiteStore) AppendRecord(ctx context.Context, rec Record) (bool, error) {
	if err := validateRecord(rec); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO liquidity_events (
		stream, event_id, event_ts, event_time, kind, tier, amount_usd,
		token0, token1, pool_id, tx_hash, block_number, origin, amount0, amount1, log_index
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Stream, rec.EventID, rec.Timestamp, rec.DateTime, rec.Kind, rec.Tier, rec.AmountUSD.String(),
		rec.Token0, rec.Token1, rec.PoolID, rec.TxHash, rec.BlockNumber, rec.Origin,
		rec.Amount0.String(), rec.Amount1.String(), rec.LogIndex,
	)
	if err != nil {
		return false, fmt.Errorf("insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert record rows affected: %w", err)
	}
	return n == 1, nil
}

// MaxTimestamp returns the newest event timestamp for stream.
func (s *SQLiteStore) MaxTimestamp(ctx context.Context, stream string) (int64, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(event_ts) FROM liquidity_events WHERE stream = ?`, stream).Scan(&ts)
	if err != nil {
		return 0, false, fmt.Errorf("max timestamp: %w", err)
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

// ListRecentRecords lists the newest records first.
func (s *SQLiteStore) ListRecentRecords(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, sqliteSelectColumns+` ORDER BY event_ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent records: %w", err)
	}
	defer rows.Close()
	return scanSQLiteRecords(rows)
}

// ListRecordsBetween lists records whose event time falls in [from, to).
func (s *SQLiteStore) ListRecordsBetween(ctx context.Context, from, to time.Time) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectColumns+` WHERE event_ts >= ? AND event_ts < ? ORDER BY event_ts, id`, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("list records between: %w", err)
	}
	defer rows.Close()
	return scanSQLiteRecords(rows)
}

// CountRecords counts stored records.
func (s *SQLiteStore) CountRecords(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM liquidity_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

func scanSQLiteRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var (
			rec     Record
			amount  string
			amount0 string
			amount1 string
		)
		if err := rows.Scan(
			&rec.Stream, &rec.EventID, &rec.Timestamp, &rec.DateTime, &rec.Kind, &rec.Tier, &amount,
			&rec.Token0, &rec.Token1, &rec.PoolID, &rec.TxHash, &rec.BlockNumber, &rec.Origin,
			&amount0, &amount1, &rec.LogIndex, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}

		var err error
		if rec.AmountUSD, err = parseOptionalDecimal(amount); err != nil {
			return nil, fmt.Errorf("%w: amount usd: %v", ErrMalformedLog, err)
		}
		if rec.Amount0, err = parseOptionalDecimal(amount0); err != nil {
			return nil, fmt.Errorf("%w: amount0: %v", ErrMalformedLog, err)
		}
		if rec.Amount1, err = parseOptionalDecimal(amount1); err != nil {
			return nil, fmt.Errorf("%w: amount1: %v", ErrMalformedLog, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

var _ Backend = (*SQLiteStore)(nil)
