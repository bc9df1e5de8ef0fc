package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(stream, id string, ts int64, amount string) Record {
	return Record{
		Stream:      stream,
		EventID:     id,
		Timestamp:   ts,
		DateTime:    time.Unix(ts, 0).UTC().Format(DateTimeLayout),
		Kind:        "Add",
		Tier:        "Whale",
		AmountUSD:   decimal.RequireFromString(amount),
		Token0:      "WETH",
		Token1:      "USDC",
		PoolID:      "0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640",
		TxHash:      "0xabc",
		BlockNumber: 19000000,
		Origin:      "0xdef",
		Amount0:     decimal.RequireFromString("1.5"),
		Amount1:     decimal.RequireFromString("3000"),
		LogIndex:    7,
	}
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	csvLog, err := NewCSVLog(filepath.Join(dir, "alerts.csv"))
	require.NoError(t, err)
	sqliteStore, err := NewSQLiteStore(filepath.Join(dir, "alerts.db"))
	require.NoError(t, err)

	out := map[string]Backend{
		"csv":    csvLog,
		"sqlite": sqliteStore,
		"memory": NewMemoryLog(),
	}
	t.Cleanup(func() {
		for _, b := range out {
			_ = b.Close()
		}
	})
	return out
}

func TestBackendAppendAndMaxTimestamp(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, found, err := backend.MaxTimestamp(ctx, "additions")
			require.NoError(t, err)
			assert.False(t, found)

			for i, ts := range []int64{1700000100, 1700000300, 1700000200} {
				inserted, err := backend.AppendRecord(ctx, sampleRecord("additions", string(rune('a'+i)), ts, "12345.67"))
				require.NoError(t, err)
				assert.True(t, inserted)
			}
			inserted, err := backend.AppendRecord(ctx, sampleRecord("withdrawals", "w1", 1700000900, "60000"))
			require.NoError(t, err)
			assert.True(t, inserted)

			max, found, err := backend.MaxTimestamp(ctx, "additions")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, int64(1700000300), max)

			max, found, err = backend.MaxTimestamp(ctx, "withdrawals")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, int64(1700000900), max)
		})
	}
}

func TestBackendDuplicateIsIgnored(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec := sampleRecord("additions", "0xabc-1", 1700000100, "1000")

			inserted, err := backend.AppendRecord(ctx, rec)
			require.NoError(t, err)
			assert.True(t, inserted)

			inserted, err = backend.AppendRecord(ctx, rec)
			require.NoError(t, err)
			assert.False(t, inserted)

			// same id on another stream is a distinct record
			inserted, err = backend.AppendRecord(ctx, sampleRecord("withdrawals", "0xabc-1", 1700000100, "1000"))
			require.NoError(t, err)
			assert.True(t, inserted)

			count, err := backend.CountRecords(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(2), count)
		})
	}
}

func TestBackendListing(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i, ts := range []int64{100, 300, 200, 400} {
				_, err := backend.AppendRecord(ctx, sampleRecord("additions", string(rune('a'+i)), ts, "5000.25"))
				require.NoError(t, err)
			}

			recent, err := backend.ListRecentRecords(ctx, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, int64(400), recent[0].Timestamp)
			assert.Equal(t, int64(300), recent[1].Timestamp)

			everything, err := backend.ListRecentRecords(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, everything, 4)

			between, err := backend.ListRecordsBetween(ctx, time.Unix(200, 0), time.Unix(400, 0))
			require.NoError(t, err)
			require.Len(t, between, 2)
			assert.Equal(t, int64(200), between[0].Timestamp)
			assert.Equal(t, int64(300), between[1].Timestamp)

			got := between[0]
			assert.True(t, decimal.RequireFromString("5000.25").Equal(got.AmountUSD))
			assert.Equal(t, "WETH", got.Token0)
			assert.Equal(t, "USDC", got.Token1)
			assert.Equal(t, "Whale", got.Tier)
			assert.Equal(t, int64(7), got.LogIndex)
			assert.Equal(t, "1970-01-01T00:03:20Z", got.DateTime)
		})
	}
}

func TestBackendRejectsRecordWithoutIdentity(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := backend.AppendRecord(ctx, Record{Stream: "additions"})
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestCSVLogSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "alerts.csv")

	first, err := NewCSVLog(path)
	require.NoError(t, err)
	_, err = first.AppendRecord(ctx, sampleRecord("additions", "a", 1700000100, "1000"))
	require.NoError(t, err)

	second, err := NewCSVLog(path)
	require.NoError(t, err)
	max, found, err := second.MaxTimestamp(ctx, "additions")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1700000100), max)

	inserted, err := second.AppendRecord(ctx, sampleRecord("additions", "a", 1700000100, "1000"))
	require.NoError(t, err)
	assert.False(t, inserted, "seen set must be rebuilt from disk")
}

func TestCSVLogMalformedRow(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "alerts.csv")

	log, err := NewCSVLog(path)
	require.NoError(t, err)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = file.WriteString("additions,x,not-a-number\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	_, _, err = log.MaxTimestamp(ctx, "additions")
	assert.ErrorIs(t, err, ErrMalformedLog)
}

func TestCSVLogRejectsForeignHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "large_transactions.csv")
	legacy := "Timestamp,DateTime,EventType,AlertTier,TransactionID,Token0Symbol,Token1Symbol,AmountUSD\n" +
		"1700000000,2023-11-14 22:13:20,Add,Whale,0xabc,WETH,USDC,12000\n"
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	_, err := NewCSVLog(path)
	require.ErrorIs(t, err, ErrMalformedLog)
	assert.Contains(t, err.Error(), "no Stream column")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, legacy, string(data), "foreign file must be left untouched")
}

func TestCSVLogRecoversFromTornRow(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "alerts.csv")

	first, err := NewCSVLog(path)
	require.NoError(t, err)
	_, err = first.AppendRecord(ctx, sampleRecord("additions", "a", 1700000100, "1000"))
	require.NoError(t, err)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = file.WriteString("additions,b")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	reopened, err := NewCSVLog(path)
	require.NoError(t, err)

	max, found, err := reopened.MaxTimestamp(ctx, "additions")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1700000100), max)

	for i, id := range []string{"b", "c", "d"} {
		inserted, err := reopened.AppendRecord(ctx, sampleRecord("additions", id, 1700000200+int64(i), "2000"))
		require.NoError(t, err)
		assert.True(t, inserted, id)
	}

	count, err := reopened.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestCSVLogRestoresHeaderOfEmptyFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "alerts.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	log, err := NewCSVLog(path)
	require.NoError(t, err)
	inserted, err := log.AppendRecord(ctx, sampleRecord("withdrawals", "w", 1700000300, "5000"))
	require.NoError(t, err)
	assert.True(t, inserted)

	max, found, err := log.MaxTimestamp(ctx, "withdrawals")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1700000300), max)
}

func TestStoreWithoutPool(t *testing.T) {
	var store *Store
	_, err := store.AppendRecord(context.Background(), sampleRecord("additions", "a", 1, "1"))
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, _, err = store.MaxTimestamp(context.Background(), "additions")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
