package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

var csvHeader = []string{
	"Stream", "EventID", "Timestamp", "DateTime", "EventType", "AlertTier",
	"TransactionID", "BlockNumber", "PoolID", "Token0Symbol", "Token1Symbol",
	"Amount0", "Amount1", "AmountUSD", "Origin", "LogIndex",
}

// CSVLog keeps the audit trail in a flat CSV file. Every append is synced to
// disk before it returns.
type CSVLog struct {
	path string

	mu   sync.RWMutex
	seen map[string]struct{}
}

// NewCSVLog opens path, writing the header row when the file is new.
func NewCSVLog(path string) (*CSVLog, error) {
	if path == "" {
		return nil, fmt.Errorf("storage.csv_path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create csv dir: %w", err)
		}
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createCSVLog(path); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat csv log: %w", err)
	} else {
		if err := repairCSVTail(path); err != nil {
			return nil, err
		}
		if err := checkCSVHeader(path); err != nil {
			return nil, err
		}
	}

	return &CSVLog{path: path}, nil
}

func createCSVLog(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create csv log: %w", err)
	}
	defer file.Close()

	if err := writeCSVHeader(file); err != nil {
		return err
	}
	return file.Sync()
}

func writeCSVHeader(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	return nil
}

// repairCSVTail drops a final row that was cut off before its newline, as
// left behind by a crash mid-append. An empty file gets its header back.
func repairCSVTail(path string) error {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open csv log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv log: %w", err)
	}
	size := info.Size()
	if size > 0 {
		last := make([]byte, 1)
		if _, err := file.ReadAt(last, size-1); err != nil {
			return fmt.Errorf("read csv log tail: %w", err)
		}
		if last[0] == '\n' {
			return nil
		}
	}

	cut, err := lastLineEnd(file, size)
	if err != nil {
		return fmt.Errorf("read csv log tail: %w", err)
	}
	if err := file.Truncate(cut); err != nil {
		return fmt.Errorf("truncate torn csv row: %w", err)
	}
	if cut == 0 {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewind csv log: %w", err)
		}
		if err := writeCSVHeader(file); err != nil {
			return err
		}
	}
	return file.Sync()
}

// lastLineEnd returns the offset just past the last newline before size, or 0.
func lastLineEnd(r io.ReaderAt, size int64) (int64, error) {
	buf := make([]byte, 4096)
	for end := size; end > 0; {
		start := end - int64(len(buf))
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := r.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

// checkCSVHeader refuses files written by something other than this log,
// such as an audit CSV without per-stream identity columns.
func checkCSVHeader(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open csv log: %w", err)
	}
	defer file.Close()

	header, err := csv.NewReader(file).Read()
	if err != nil {
		return fmt.Errorf("%w: %s: header: %v", ErrMalformedLog, path, err)
	}
	present := make(map[string]bool, len(header))
	for _, name := range header {
		present[name] = true
	}
	for _, required := range []string{"Stream", "EventID", "Timestamp"} {
		if !present[required] {
			return fmt.Errorf("%w: %s has no %s column; point storage.csv_path at a new file", ErrMalformedLog, path, required)
		}
	}
	return nil
}

// Close is a no-op; files are opened per operation.
func (l *CSVLog) Close() error { return nil }

// AppendRecord appends rec unless its (stream, event id) was already written.
func (l *CSVLog) AppendRecord(_ context.Context, rec Record) (bool, error) {
	if err := validateRecord(rec); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.seen == nil {
		records, err := l.readAll()
		if err != nil {
			return false, err
		}
		l.seen = make(map[string]struct{}, len(records))
		for _, r := range records {
			l.seen[recordKey(r.Stream, r.EventID)] = struct{}{}
		}
	}
	key := recordKey(rec.Stream, rec.EventID)
	if _, ok := l.seen[key]; ok {
		return false, nil
	}

	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return false, fmt.Errorf("open csv log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("stat csv log: %w", err)
	}
	// a failed append must not leave a partial row for the next one to extend
	rollback := func() { _ = file.Truncate(info.Size()) }

	writer := csv.NewWriter(file)
	if err := writer.Write(recordToRow(rec)); err != nil {
		rollback()
		return false, fmt.Errorf("write csv row: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		rollback()
		return false, fmt.Errorf("flush csv row: %w", err)
	}
	if err := file.Sync(); err != nil {
		rollback()
		return false, fmt.Errorf("sync csv log: %w", err)
	}

	l.seen[key] = struct{}{}
	return true, nil
}

// MaxTimestamp re-reads the file and returns the newest timestamp for stream.
func (l *CSVLog) MaxTimestamp(_ context.Context, stream string) (int64, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records, err := l.readAll()
	if err != nil {
		return 0, false, err
	}

	var (
		max   int64
		found bool
	)
	for _, r := range records {
		if r.Stream != stream {
			continue
		}
		if !found || r.Timestamp > max {
			max = r.Timestamp
			found = true
		}
	}
	return max, found, nil
}

// ListRecentRecords returns the newest records first.
func (l *CSVLog) ListRecentRecords(_ context.Context, limit int) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records, err := l.readAll()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Timestamp > records[j].Timestamp })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// ListRecordsBetween returns records in [from, to) ordered by timestamp.
func (l *CSVLog) ListRecordsBetween(_ context.Context, from, to time.Time) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records, err := l.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Timestamp >= from.Unix() && r.Timestamp < to.Unix() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// CountRecords counts data rows.
func (l *CSVLog) CountRecords(_ context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records, err := l.readAll()
	if err != nil {
		return 0, err
	}
	return int64(len(records)), nil
}

func (l *CSVLog) readAll() ([]Record, error) {
	file, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open csv log: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedLog, err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}
	for _, required := range []string{"Stream", "EventID", "Timestamp"} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("%w: missing column %s", ErrMalformedLog, required)
		}
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedLog, line, err)
		}
		rec, err := rowToRecord(row, index)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedLog, line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func recordToRow(rec Record) []string {
	return []string{
		rec.Stream,
		rec.EventID,
		strconv.FormatInt(rec.Timestamp, 10),
		rec.DateTime,
		rec.Kind,
		rec.Tier,
		rec.TxHash,
		strconv.FormatInt(rec.BlockNumber, 10),
		rec.PoolID,
		rec.Token0,
		rec.Token1,
		rec.Amount0.String(),
		rec.Amount1.String(),
		rec.AmountUSD.String(),
		rec.Origin,
		strconv.FormatInt(rec.LogIndex, 10),
	}
}

func rowToRecord(row []string, index map[string]int) (Record, error) {
	field := func(name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var (
		rec Record
		err error
	)
	rec.Stream = field("Stream")
	rec.EventID = field("EventID")
	if rec.Timestamp, err = strconv.ParseInt(field("Timestamp"), 10, 64); err != nil {
		return Record{}, fmt.Errorf("timestamp: %w", err)
	}
	rec.DateTime = field("DateTime")
	rec.Kind = field("EventType")
	rec.Tier = field("AlertTier")
	rec.TxHash = field("TransactionID")
	if v := field("BlockNumber"); v != "" {
		if rec.BlockNumber, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Record{}, fmt.Errorf("block number: %w", err)
		}
	}
	rec.PoolID = field("PoolID")
	rec.Token0 = field("Token0Symbol")
	rec.Token1 = field("Token1Symbol")
	if rec.Amount0, err = parseOptionalDecimal(field("Amount0")); err != nil {
		return Record{}, fmt.Errorf("amount0: %w", err)
	}
	if rec.Amount1, err = parseOptionalDecimal(field("Amount1")); err != nil {
		return Record{}, fmt.Errorf("amount1: %w", err)
	}
	if rec.AmountUSD, err = parseOptionalDecimal(field("AmountUSD")); err != nil {
		return Record{}, fmt.Errorf("amount usd: %w", err)
	}
	rec.Origin = field("Origin")
	if v := field("LogIndex"); v != "" {
		if rec.LogIndex, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Record{}, fmt.Errorf("log index: %w", err)
		}
	}
	if rec.AmountUSD.IsNegative() {
		return Record{}, fmt.Errorf("negative amount usd %s", rec.AmountUSD)
	}
	return rec, nil
}

var _ Backend = (*CSVLog)(nil)
