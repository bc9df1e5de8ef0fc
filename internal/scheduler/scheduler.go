package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"whale-alerts/internal/clock"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunOnStart fires one tick immediately instead of waiting a full interval.
	RunOnStart bool
	Clock      clock.Clock
}

// Scheduler drives poll cycles at a fixed cadence. Ticks run synchronously,
// so a cycle never overlaps the previous one; missed ticks are skipped.
type Scheduler struct {
	opts   Options
	clock  clock.Clock
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{opts: opts, clock: clk, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function at each interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if err := clock.Sleep(ctx, s.clock, s.opts.StartupDelay); err != nil {
		return err
	}

	if s.opts.RunOnStart {
		s.execute(ctx, tick, s.clock.Now())
	}

	next := s.nextTick(s.clock.Now())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := s.clock.Now()
		delay := next.Sub(now)
		if delay < 0 {
			skipped := next
			next = s.nextTick(now)
			delay = next.Sub(now)
			s.logger.Warn().Time("skipped", skipped).Time("next_tick", next).Msg("cycle overran the interval, skipping tick")
		}

		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
		if err := clock.Sleep(ctx, s.clock, delay); err != nil {
			return err
		}

		s.execute(ctx, tick, s.tickStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, at time.Time) {
	s.logger.Debug().Time("tick", at).Msg("executing scheduled tick")
	if err := tick(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	next := now.Truncate(s.opts.Interval)
	if !next.After(now) {
		next = next.Add(s.opts.Interval)
	}
	return next
}

func (s *Scheduler) tickStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
