package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whale-alerts/internal/alerting"
	"whale-alerts/internal/clock"
	"whale-alerts/internal/event"
	"whale-alerts/internal/fetcher"
	"whale-alerts/internal/recorder"
	"whale-alerts/internal/storage"
	"whale-alerts/internal/tier"
	"whale-alerts/internal/watermark"
)

var testNow = time.Unix(50, 0).UTC()

// scriptedFetcher serves queued batches per kind, filtered like the upstream would.
type scriptedFetcher struct {
	mu      sync.Mutex
	batches map[event.Kind][][]event.Raw
	queries []fetcher.Query
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{batches: make(map[event.Kind][][]event.Raw)}
}

func (f *scriptedFetcher) push(kind event.Kind, batch ...event.Raw) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[kind] = append(f.batches[kind], batch)
}

func (f *scriptedFetcher) Fetch(_ context.Context, q fetcher.Query) []event.Raw {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	queue := f.batches[q.Kind]
	if len(queue) == 0 {
		return nil
	}
	f.batches[q.Kind] = queue[1:]
	var out []event.Raw
	for _, ev := range queue[0] {
		if ev.Timestamp > q.After {
			out = append(out, ev)
		}
	}
	return out
}

func (f *scriptedFetcher) afters(kind event.Kind) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for _, q := range f.queries {
		if q.Kind == kind {
			out = append(out, q.After)
		}
	}
	return out
}

type recordingNotifier struct {
	mu    sync.Mutex
	msgs  []alerting.Message
	err   error
	after func(n int)
}

func (n *recordingNotifier) Notify(_ context.Context, msg alerting.Message) error {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	count := len(n.msgs)
	n.mu.Unlock()
	if n.after != nil {
		n.after(count)
	}
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

// flakyLog fails appends for the listed event ids.
type flakyLog struct {
	*storage.MemoryLog
	failIDs map[string]bool
}

func (l *flakyLog) AppendRecord(ctx context.Context, rec storage.Record) (bool, error) {
	if l.failIDs[rec.EventID] {
		return false, errors.New("disk full")
	}
	return l.MemoryLog.AppendRecord(ctx, rec)
}

type harness struct {
	svc      *Service
	fetcher  *scriptedFetcher
	log      *storage.MemoryLog
	flaky    *flakyLog
	notifier *recordingNotifier
	clock    *clock.Fake
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	classifier, err := tier.NewClassifier(decimal.NewFromInt(1000), decimal.NewFromInt(10000), decimal.NewFromInt(50000))
	require.NoError(t, err)

	h := &harness{
		fetcher:  newScriptedFetcher(),
		log:      storage.NewMemoryLog(),
		notifier: &recordingNotifier{},
		clock:    clock.NewFake(testNow),
	}
	h.flaky = &flakyLog{MemoryLog: h.log, failIDs: map[string]bool{}}

	if opts.Streams == nil {
		opts.Streams = []Stream{{ID: "additions", Kind: event.Addition}}
	}
	svc, err := New(Deps{
		Fetcher:    h.fetcher,
		Classifier: classifier,
		Recorder:   recorder.New(h.flaky, h.clock),
		Watermarks: watermark.New(h.log, h.clock, 0, zerolog.Nop()),
		Notifier:   h.notifier,
		Clock:      h.clock,
	}, opts, zerolog.Nop())
	require.NoError(t, err)
	h.svc = svc
	return h
}

func raw(id string, ts int64, usd int64) event.Raw {
	return event.Raw{
		ID:           id,
		Timestamp:    ts,
		MagnitudeUSD: decimal.NewFromInt(usd),
		Kind:         event.Addition,
		Pool:         event.PoolRef{ID: "0xpool", Token0: "WETH", Token1: "USDC"},
		Tx:           event.TxRef{Hash: "0x" + id, BlockNumber: ts},
	}
}

func position(t *testing.T, svc *Service, stream string) int64 {
	t.Helper()
	pos, ok := svc.Position(stream)
	require.True(t, ok)
	return pos
}

func TestCycleRecordsOnlyQualifyingEvents(t *testing.T) {
	h := newHarness(t, Options{})
	h.fetcher.push(event.Addition, raw("a", 100, 10), raw("b", 105, 5000), raw("c", 110, 20))

	res := h.svc.RunCycle(context.Background(), testNow)

	require.NoError(t, res.Err())
	sr, ok := res.Stream("additions")
	require.True(t, ok)
	assert.Equal(t, 3, sr.Fetched)
	assert.Equal(t, 1, sr.Qualified)
	assert.Equal(t, 1, sr.Recorded)
	assert.Equal(t, 1, sr.Notified)
	assert.Equal(t, 1, sr.ByTier["Dolphin"])

	records := h.log.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].EventID)
	assert.Equal(t, "Dolphin", records[0].Tier)
	assert.Equal(t, 1, h.notifier.count())
	assert.Equal(t, int64(110), position(t, h.svc, "additions"))
	assert.Equal(t, []int64{testNow.Unix()}, h.fetcher.afters(event.Addition))
}

func TestCycleRecordFailureStopsBeforeFailingEvent(t *testing.T) {
	h := newHarness(t, Options{ErrorCooldown: 5 * time.Second})
	h.flaky.failIDs["b"] = true
	h.fetcher.push(event.Addition, raw("a", 100, 2000), raw("b", 105, 2000), raw("c", 110, 2000))

	res := h.svc.RunCycle(context.Background(), testNow)

	require.Error(t, res.Err())
	sr, _ := res.Stream("additions")
	require.NotNil(t, sr.Err)
	assert.Equal(t, StageRecording, sr.Err.Stage)
	assert.Equal(t, CategoryPersistence, sr.Err.Category)
	assert.Equal(t, "b", sr.Err.EventID)

	require.Len(t, h.log.Records(), 1)
	assert.Equal(t, 1, h.notifier.count())
	assert.Equal(t, int64(100), position(t, h.svc, "additions"))
	assert.Contains(t, h.clock.Sleeps(), 5*time.Second)

	// the failed event and its successors are fetched again next cycle
	h.flaky.failIDs["b"] = false
	h.fetcher.push(event.Addition, raw("a", 100, 2000), raw("b", 105, 2000), raw("c", 110, 2000))
	res = h.svc.RunCycle(context.Background(), testNow)

	require.NoError(t, res.Err())
	assert.Equal(t, []int64{testNow.Unix(), 100}, h.fetcher.afters(event.Addition))
	assert.Len(t, h.log.Records(), 3)
	assert.Equal(t, 3, h.notifier.count())
	assert.Equal(t, int64(110), position(t, h.svc, "additions"))
}

func TestCycleRecordFailureWithSharedTimestamp(t *testing.T) {
	h := newHarness(t, Options{})
	h.flaky.failIDs["c"] = true
	h.fetcher.push(event.Addition, raw("a", 100, 2000), raw("b", 105, 2000), raw("c", 105, 2000))

	res := h.svc.RunCycle(context.Background(), testNow)

	require.Error(t, res.Err())
	assert.Equal(t, int64(100), position(t, h.svc, "additions"), "never advances to the failing event's timestamp")

	// b is fetched again but recognised as already recorded
	h.flaky.failIDs["c"] = false
	h.fetcher.push(event.Addition, raw("a", 100, 2000), raw("b", 105, 2000), raw("c", 105, 2000))
	res = h.svc.RunCycle(context.Background(), testNow)

	require.NoError(t, res.Err())
	sr, _ := res.Stream("additions")
	assert.Equal(t, 1, sr.Duplicates)
	assert.Equal(t, 1, sr.Recorded)
	assert.Equal(t, 3, h.notifier.count())
	assert.Len(t, h.log.Records(), 3)
}

func TestCycleNotifyFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t, Options{})
	h.notifier.err = errors.New("discord down")
	h.fetcher.push(event.Addition, raw("a", 100, 60000), raw("b", 105, 15000))

	res := h.svc.RunCycle(context.Background(), testNow)

	require.NoError(t, res.Err())
	sr, _ := res.Stream("additions")
	assert.Equal(t, 2, sr.Recorded)
	assert.Equal(t, 2, sr.NotifyFailures)
	assert.Equal(t, 0, sr.Notified)
	assert.Equal(t, 1, sr.ByTier["Orc"])
	assert.Equal(t, 1, sr.ByTier["Whale"])
	assert.Len(t, h.log.Records(), 2)
	assert.Equal(t, int64(105), position(t, h.svc, "additions"))
}

func TestCycleEmptyFetchKeepsPosition(t *testing.T) {
	h := newHarness(t, Options{})

	res := h.svc.RunCycle(context.Background(), testNow)

	require.NoError(t, res.Err())
	assert.Equal(t, testNow.Unix(), position(t, h.svc, "additions"))
	assert.Empty(t, h.log.Records())
	assert.Equal(t, 0, h.notifier.count())
}

func TestFirstCycleLoadsFromLogOnly(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.log.AppendRecord(context.Background(), storage.Record{Stream: "additions", EventID: "old", Timestamp: 500})
	require.NoError(t, err)

	h.svc.RunCycle(context.Background(), testNow)

	// a later write to the log is not re-read
	_, err = h.log.AppendRecord(context.Background(), storage.Record{Stream: "additions", EventID: "other", Timestamp: 900})
	require.NoError(t, err)
	h.svc.RunCycle(context.Background(), testNow)

	assert.Equal(t, []int64{500, 500}, h.fetcher.afters(event.Addition))
}

func TestDuplicateEventIsNotNotified(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.log.AppendRecord(context.Background(), storage.Record{Stream: "additions", EventID: "a", Timestamp: 40})
	require.NoError(t, err)

	h.fetcher.push(event.Addition, raw("a", 100, 5000))
	res := h.svc.RunCycle(context.Background(), testNow)

	require.NoError(t, res.Err())
	assert.Equal(t, 0, h.notifier.count())
	assert.Equal(t, int64(100), position(t, h.svc, "additions"))
}

func TestSequentialStreamsDelayBetweenBatches(t *testing.T) {
	h := newHarness(t, Options{Streams: DefaultStreams, InterBatchDelay: 2 * time.Second})
	h.fetcher.push(event.Addition, raw("a", 100, 5000))
	w := raw("w", 120, 5000)
	w.Kind = event.Withdrawal
	h.fetcher.push(event.Withdrawal, w)

	res := h.svc.RunCycle(context.Background(), testNow)

	require.NoError(t, res.Err())
	require.Len(t, res.Streams, 2)
	assert.Equal(t, []time.Duration{2 * time.Second}, h.clock.Sleeps())
	assert.Equal(t, int64(100), position(t, h.svc, "additions"))
	assert.Equal(t, int64(120), position(t, h.svc, "withdrawals"))
	assert.Len(t, h.log.Records(), 2)
}

func TestConcurrentStreams(t *testing.T) {
	h := newHarness(t, Options{Streams: DefaultStreams, InterBatchDelay: 2 * time.Second, Concurrent: true})
	h.fetcher.push(event.Addition, raw("a", 100, 5000), raw("b", 101, 5000))
	w := raw("w", 120, 5000)
	w.Kind = event.Withdrawal
	h.fetcher.push(event.Withdrawal, w)

	res := h.svc.RunCycle(context.Background(), testNow)

	require.NoError(t, res.Err())
	assert.Empty(t, h.clock.Sleeps())
	assert.Equal(t, int64(101), position(t, h.svc, "additions"))
	assert.Equal(t, int64(120), position(t, h.svc, "withdrawals"))
	assert.Equal(t, 3, h.notifier.count())
}

func TestShutdownStopsBetweenEvents(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.notifier.after = func(n int) {
		if n == 1 {
			cancel()
		}
	}
	h.fetcher.push(event.Addition, raw("a", 100, 5000), raw("b", 105, 5000))

	res := h.svc.RunCycle(ctx, testNow)

	sr, _ := res.Stream("additions")
	assert.True(t, sr.Interrupted)
	assert.Nil(t, sr.Err)
	assert.Len(t, h.log.Records(), 1)
	assert.Equal(t, 1, h.notifier.count())
	assert.Equal(t, int64(100), position(t, h.svc, "additions"))
}

type stubLocker struct {
	acquired bool
	released int
}

func (l *stubLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.released++ }, true, nil
}

func TestAdvisoryLockHeldElsewhereSkipsCycle(t *testing.T) {
	h := newHarness(t, Options{AdvisoryLockKey: 7})
	locker := &stubLocker{}
	h.svc.locker = locker
	h.fetcher.push(event.Addition, raw("a", 100, 5000))

	res := h.svc.RunCycle(context.Background(), testNow)
	assert.True(t, res.Skipped)
	assert.Empty(t, h.fetcher.afters(event.Addition))

	locker.acquired = true
	res = h.svc.RunCycle(context.Background(), testNow)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, locker.released)
	assert.Len(t, h.log.Records(), 1)
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, Options{Streams: DefaultStreams})
	before := h.svc.Snapshot()
	require.Len(t, before, 2)
	assert.False(t, before[0].Loaded)
	assert.Equal(t, StageIdle, before[0].Stage)

	h.fetcher.push(event.Addition, raw("a", 100, 5000))
	h.svc.RunCycle(context.Background(), testNow)

	after := h.svc.Snapshot()
	assert.Equal(t, "additions", after[0].Stream)
	assert.True(t, after[0].Loaded)
	assert.Equal(t, int64(100), after[0].Position)
	assert.Equal(t, int64(100), after[0].LastBlock)
	assert.Equal(t, StageIdle, after[0].Stage)
	assert.Empty(t, after[0].LastError)
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Deps{}, Options{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestSafePosition(t *testing.T) {
	done := []event.Raw{raw("a", 100, 0), raw("b", 105, 0), raw("c", 105, 0)}
	assert.Equal(t, int64(100), safePosition(50, done, 105))
	assert.Equal(t, int64(105), safePosition(50, done, 110))
	assert.Equal(t, int64(50), safePosition(50, nil, 100))
	assert.Equal(t, int64(200), safePosition(200, done, 110))
}
