package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"whale-alerts/internal/alerting"
	"whale-alerts/internal/clock"
	"whale-alerts/internal/event"
	"whale-alerts/internal/fetcher"
	"whale-alerts/internal/metrics"
	"whale-alerts/internal/scheduler"
	"whale-alerts/internal/storage"
	"whale-alerts/internal/tier"
)

// Stream is one independently consumed event feed.
type Stream struct {
	ID   string
	Kind event.Kind
}

// DefaultStreams polls liquidity additions and withdrawals.
var DefaultStreams = []Stream{
	{ID: "additions", Kind: event.Addition},
	{ID: "withdrawals", Kind: event.Withdrawal},
}

// EventRecorder durably appends qualifying events.
type EventRecorder interface {
	Record(ctx context.Context, stream string, ev event.Classified) (bool, error)
}

// PositionLoader recovers the starting position of a stream.
type PositionLoader interface {
	Load(ctx context.Context, stream string) int64
}

// Options tune a poll cycle.
type Options struct {
	Streams         []Stream
	BatchSize       int
	MinMagnitudeUSD decimal.Decimal
	InterBatchDelay time.Duration
	ErrorCooldown   time.Duration
	// UnitTimeout bounds one record+notify unit, which ignores cancellation.
	UnitTimeout     time.Duration
	Concurrent      bool
	AdvisoryLockKey int64
}

// Deps are the collaborators of a Service.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Fetcher    fetcher.BatchFetcher
	Classifier *tier.Classifier
	Recorder   EventRecorder
	Watermarks PositionLoader
	Notifier   alerting.Notifier
	Renderer   alerting.Renderer
	Locker     storage.AdvisoryLocker
	Head       fetcher.HeadReader
	Clock      clock.Clock
}

// Service orchestrates fetch, classify, record, notify and advance per stream.
type Service struct {
	scheduler  *scheduler.Scheduler
	fetcher    fetcher.BatchFetcher
	classifier *tier.Classifier
	recorder   EventRecorder
	watermarks PositionLoader
	notifier   alerting.Notifier
	renderer   alerting.Renderer
	locker     storage.AdvisoryLocker
	head       fetcher.HeadReader
	clock      clock.Clock
	logger     zerolog.Logger
	opts       Options

	mu      sync.Mutex
	cursors map[string]*cursor
}

// New constructs the monitoring service.
func New(deps Deps, opts Options, logger zerolog.Logger) (*Service, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("service: fetcher is required")
	case deps.Classifier == nil:
		return nil, errors.New("service: classifier is required")
	case deps.Recorder == nil:
		return nil, errors.New("service: recorder is required")
	case deps.Watermarks == nil:
		return nil, errors.New("service: watermark store is required")
	}
	if len(opts.Streams) == 0 {
		opts.Streams = DefaultStreams
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	cursors := make(map[string]*cursor, len(opts.Streams))
	for _, st := range opts.Streams {
		if _, dup := cursors[st.ID]; dup {
			return nil, fmt.Errorf("service: duplicate stream %q", st.ID)
		}
		cursors[st.ID] = &cursor{stream: st, stage: StageIdle}
	}

	return &Service{
		scheduler:  deps.Scheduler,
		fetcher:    deps.Fetcher,
		classifier: deps.Classifier,
		recorder:   deps.Recorder,
		watermarks: deps.Watermarks,
		notifier:   deps.Notifier,
		renderer:   deps.Renderer,
		locker:     deps.Locker,
		head:       deps.Head,
		clock:      clk,
		logger:     logger.With().Str("component", "service").Logger(),
		opts:       opts,
		cursors:    cursors,
	}, nil
}

// Run begins the polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Tick)
}

// Tick adapts RunCycle to scheduler.TickFunc.
func (s *Service) Tick(ctx context.Context, tick time.Time) error {
	return s.RunCycle(ctx, tick).Err()
}

// RunCycle polls every stream once.
func (s *Service) RunCycle(ctx context.Context, tick time.Time) CycleResult {
	result := CycleResult{ID: uuid.NewString(), Tick: tick}
	logger := s.logger.With().Str("cycle_id", result.ID).Logger()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		result.LockErr = err
		logger.Error().Err(err).Msg("advisory lock failed, skipping cycle")
		return result
	}
	if !proceed {
		result.Skipped = true
		logger.Debug().Time("tick", tick).Msg("skip cycle because advisory lock held elsewhere")
		return result
	}
	if unlock != nil {
		defer unlock()
	}

	started := s.clock.Now()
	result.Streams = make([]StreamResult, len(s.opts.Streams))

	if s.opts.Concurrent {
		var g errgroup.Group
		for i, st := range s.opts.Streams {
			g.Go(func() error {
				result.Streams[i] = s.pollStream(ctx, logger, st)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, st := range s.opts.Streams {
			if i > 0 {
				if err := clock.Sleep(ctx, s.clock, s.opts.InterBatchDelay); err != nil {
					result.Streams = result.Streams[:i]
					break
				}
			}
			result.Streams[i] = s.pollStream(ctx, logger, st)
		}
	}

	s.probeHead(ctx, logger)

	elapsed := s.clock.Now().Sub(started)
	metrics.ObserveCycleDuration(elapsed)
	s.logSummary(logger, result, elapsed)
	return result
}

func (s *Service) pollStream(ctx context.Context, logger zerolog.Logger, st Stream) StreamResult {
	logger = logger.With().Str("stream", st.ID).Logger()
	cur := s.cursors[st.ID]
	res := StreamResult{Stream: st.ID, ByTier: make(map[string]int)}

	position, loaded := s.position(cur)
	if !loaded {
		position = s.watermarks.Load(ctx, st.ID)
		s.withCursor(cur, func(c *cursor) {
			c.position = position
			c.loaded = true
		})
		metrics.SetWatermark(st.ID, position)
	}
	res.From = position
	res.To = position

	s.setStage(cur, StageFetching)
	batch := s.fetcher.Fetch(ctx, fetcher.Query{
		Kind:            st.Kind,
		After:           position,
		First:           s.opts.BatchSize,
		MinMagnitudeUSD: s.opts.MinMagnitudeUSD,
	})
	res.Fetched = len(batch)
	metrics.AddEventsScanned(st.ID, len(batch))
	if len(batch) == 0 {
		s.finish(cur, nil)
		return res
	}

	advanceTo := position
	var lastBlock int64
	for i, raw := range batch {
		if ctx.Err() != nil {
			advanceTo = safePosition(position, batch[:i], raw.Timestamp)
			res.Interrupted = true
			logger.Info().Str("event_id", raw.ID).Msg("shutdown requested, stopping before next event")
			break
		}

		s.setStage(cur, StageClassifying)
		ev := event.Classify(raw, s.classifier)
		if ev.Qualifies() {
			res.Qualified++
			res.ByTier[ev.Tier.Label()]++
			metrics.IncEventsQualified(st.ID, ev.Tier.String())

			if err := s.processUnit(ctx, logger, cur, st, ev, &res); err != nil {
				advanceTo = safePosition(position, batch[:i], raw.Timestamp)
				res.Err = err
				break
			}
		}
		if raw.Timestamp > advanceTo {
			advanceTo = raw.Timestamp
		}
		if raw.Tx.BlockNumber > lastBlock {
			lastBlock = raw.Tx.BlockNumber
		}
	}

	s.setStage(cur, StageAdvancing)
	s.withCursor(cur, func(c *cursor) {
		if advanceTo > c.position {
			c.position = advanceTo
		}
		if lastBlock > c.lastBlock {
			c.lastBlock = lastBlock
		}
		res.To = c.position
	})
	metrics.SetWatermark(st.ID, res.To)

	if res.Err != nil {
		metrics.IncCycleError(st.ID, res.Err.Category)
		logger.Error().Err(res.Err.Err).
			Str("stage", string(res.Err.Stage)).
			Str("category", res.Err.Category).
			Str("event_id", res.Err.EventID).
			Int64("position", res.To).
			Msg("stream cycle aborted")
		s.finish(cur, res.Err)
		if err := clock.Sleep(ctx, s.clock, s.opts.ErrorCooldown); err != nil {
			logger.Debug().Err(err).Msg("cooldown interrupted")
		}
		return res
	}

	s.finish(cur, nil)
	return res
}

// processUnit records ev and then notifies. It runs detached from ctx
// cancellation so a started unit always completes.
func (s *Service) processUnit(ctx context.Context, logger zerolog.Logger, cur *cursor, st Stream, ev event.Classified, res *StreamResult) *CycleError {
	unitCtx := context.WithoutCancel(ctx)
	if s.opts.UnitTimeout > 0 {
		var cancel context.CancelFunc
		unitCtx, cancel = context.WithTimeout(unitCtx, s.opts.UnitTimeout)
		defer cancel()
	}

	s.setStage(cur, StageRecording)
	inserted, err := s.recorder.Record(unitCtx, st.ID, ev)
	if err != nil {
		metrics.IncRecord(st.ID, "failed")
		return &CycleError{Stream: st.ID, Stage: StageRecording, Category: CategoryPersistence, EventID: ev.ID, Err: err}
	}
	if !inserted {
		metrics.IncRecord(st.ID, "duplicate")
		res.Duplicates++
		logger.Debug().Str("event_id", ev.ID).Msg("event already recorded, skipping notification")
		return nil
	}
	metrics.IncRecord(st.ID, "inserted")
	res.Recorded++

	if s.notifier == nil {
		return nil
	}
	s.setStage(cur, StageNotifying)
	msg := s.renderer.Render(ev)
	if err := s.notifier.Notify(unitCtx, msg); err != nil {
		metrics.IncNotification("failed")
		res.NotifyFailures++
		logger.Warn().Err(err).
			Str("category", CategoryDelivery).
			Str("event_id", ev.ID).
			Str("tier", ev.Tier.Label()).
			Msg("failed to dispatch alert")
		return nil
	}
	metrics.IncNotification("sent")
	res.Notified++
	logger.Info().
		Str("event_id", ev.ID).
		Str("tier", ev.Tier.Label()).
		Str("amount_usd", ev.MagnitudeUSD.StringFixed(2)).
		Str("pool", ev.Pool.Pair()).
		Msg("alert sent")
	return nil
}

// safePosition is the largest timestamp among done that is strictly below
// stopAt, never less than position.
func safePosition(position int64, done []event.Raw, stopAt int64) int64 {
	safe := position
	for _, ev := range done {
		if ev.Timestamp < stopAt && ev.Timestamp > safe {
			safe = ev.Timestamp
		}
	}
	return safe
}

func (s *Service) probeHead(ctx context.Context, logger zerolog.Logger) {
	if s.head == nil || ctx.Err() != nil {
		return
	}
	head, err := s.head.HeadBlock(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("chain head probe failed")
		return
	}
	metrics.SetChainHead(head)
	for _, status := range s.Snapshot() {
		if status.LastBlock > 0 {
			metrics.SetIndexingLag(status.Stream, int64(head)-status.LastBlock)
		}
	}
}

func (s *Service) logSummary(logger zerolog.Logger, result CycleResult, elapsed time.Duration) {
	var scanned, alerts int
	tiers := zerolog.Dict()
	counts := make(map[string]int)
	for _, sr := range result.Streams {
		scanned += sr.Fetched
		alerts += sr.Recorded
		for name, n := range sr.ByTier {
			counts[name] += n
		}
	}
	for _, t := range tier.All {
		tiers.Int(t.Label(), counts[t.Label()])
	}

	logEvent := logger.Info()
	if result.Err() != nil {
		logEvent = logger.Warn()
	}
	logEvent.Int("scanned", scanned).
		Int("alerts", alerts).
		Dict("tiers", tiers).
		Dur("elapsed", elapsed).
		Msg("poll cycle complete")
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
