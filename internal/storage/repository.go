package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	insertRecordSQL = `INSERT INTO liquidity_events (
        stream,
        event_id,
        event_ts,
        event_time,
        kind,
        tier,
        amount_usd,
        token0,
        token1,
        pool_id,
        tx_hash,
        block_number,
        origin,
        amount0,
        amount1,
        log_index
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (stream, event_id) DO NOTHING;`

	maxTimestampSQL = `SELECT MAX(event_ts) FROM liquidity_events WHERE stream = $1;`

	selectRecordColumns = `SELECT
        stream,
        event_id,
        event_ts,
        event_time,
        kind,
        tier,
        amount_usd::text,
        token0,
        token1,
        pool_id,
        tx_hash,
        block_number,
        origin,
        amount0,
        amount1,
        log_index,
        created_at
    FROM liquidity_events`

	listRecordsBetweenSQL = selectRecordColumns + `
    WHERE event_ts >= $1
      AND event_ts < $2
    ORDER BY event_ts, id;`

	listRecentRecordsSQL = selectRecordColumns + `
    ORDER BY event_ts DESC, id DESC
    LIMIT $1;`

	countRecordsSQL = `SELECT COUNT(*) FROM liquidity_events;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL record log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate applies the embedded SQL files in lexical order. Files are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(migrationsFS, "migrations/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the session lock is dropped with the connection if this fails
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// AppendRecord inserts rec; an existing (stream, event_id) is left untouched.
func (s *Store) AppendRecord(ctx context.Context, rec Record) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	if err := validateRecord(rec); err != nil {
		return false, err
	}

	tag, execErr := pool.Exec(ctx, insertRecordSQL,
		rec.Stream,
		rec.EventID,
		rec.Timestamp,
		rec.DateTime,
		rec.Kind,
		rec.Tier,
		rec.AmountUSD.String(),
		rec.Token0,
		rec.Token1,
		rec.PoolID,
		rec.TxHash,
		rec.BlockNumber,
		rec.Origin,
		rec.Amount0.String(),
		rec.Amount1.String(),
		rec.LogIndex,
	)
	if execErr != nil {
		return false, fmt.Errorf("insert record: %w", execErr)
	}
	return tag.RowsAffected() == 1, nil
}

// MaxTimestamp returns the newest event timestamp for stream.
func (s *Store) MaxTimestamp(ctx context.Context, stream string) (int64, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, false, err
	}

	var ts sql.NullInt64
	if scanErr := pool.QueryRow(ctx, maxTimestampSQL, stream).Scan(&ts); scanErr != nil {
		return 0, false, fmt.Errorf("max timestamp: %w", scanErr)
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

// ListRecordsBetween lists records whose event time falls in [from, to).
func (s *Store) ListRecordsBetween(ctx context.Context, from, to time.Time) ([]Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecordsBetweenSQL, from.Unix(), to.Unix())
	if queryErr != nil {
		return nil, fmt.Errorf("list records between: %w", queryErr)
	}
	defer rows.Close()

	return collectRecords(rows, 0)
}

// ListRecentRecords lists the newest records first; limit <= 0 lists all.
func (s *Store) ListRecentRecords(ctx context.Context, limit int) ([]Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	// LIMIT NULL lists everything
	var bound any
	if limit > 0 {
		bound = limit
	}
	rows, queryErr := pool.Query(ctx, listRecentRecordsSQL, bound)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent records: %w", queryErr)
	}
	defer rows.Close()

	return collectRecords(rows, max(limit, 0))
}

// CountRecords counts stored records.
func (s *Store) CountRecords(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRecordsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count records: %w", scanErr)
	}
	return count, nil
}

func collectRecords(rows pgx.Rows, capacity int) ([]Record, error) {
	records := make([]Record, 0, capacity)
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanRecord(rows pgx.Rows) (Record, error) {
	var (
		rec        Record
		amountStr  string
		amount0Str string
		amount1Str string
	)

	if err := rows.Scan(
		&rec.Stream,
		&rec.EventID,
		&rec.Timestamp,
		&rec.DateTime,
		&rec.Kind,
		&rec.Tier,
		&amountStr,
		&rec.Token0,
		&rec.Token1,
		&rec.PoolID,
		&rec.TxHash,
		&rec.BlockNumber,
		&rec.Origin,
		&amount0Str,
		&amount1Str,
		&rec.LogIndex,
		&rec.CreatedAt,
	); err != nil {
		return Record{}, err
	}

	var err error
	if rec.AmountUSD, err = decimal.NewFromString(amountStr); err != nil {
		return Record{}, fmt.Errorf("parse amount usd: %w", err)
	}
	if rec.Amount0, err = parseOptionalDecimal(amount0Str); err != nil {
		return Record{}, fmt.Errorf("parse amount0: %w", err)
	}
	if rec.Amount1, err = parseOptionalDecimal(amount1Str); err != nil {
		return Record{}, fmt.Errorf("parse amount1: %w", err)
	}
	return rec, nil
}

func parseOptionalDecimal(v string) (decimal.Decimal, error) {
	if strings.TrimSpace(v) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v)
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
