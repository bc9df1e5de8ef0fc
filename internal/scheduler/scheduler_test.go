package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whale-alerts/internal/clock"
)

func TestRunFixedCadence(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	clk := clock.NewFake(start)
	sched := New(Options{Interval: 15 * time.Second, Clock: clk}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks []time.Time
	err := sched.Run(ctx, func(ctx context.Context, tick time.Time) error {
		ticks = append(ticks, tick)
		if len(ticks) == 3 {
			cancel()
		}
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, ticks, 3)
	assert.Equal(t, start.Add(15*time.Second), ticks[0])
	assert.Equal(t, start.Add(30*time.Second), ticks[1])
	assert.Equal(t, start.Add(45*time.Second), ticks[2])
}

func TestRunOnStartAndErrorsDoNotStop(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	clk := clock.NewFake(start)
	sched := New(Options{Interval: 15 * time.Second, RunOnStart: true, Clock: clk}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks []time.Time
	err := sched.Run(ctx, func(ctx context.Context, tick time.Time) error {
		ticks = append(ticks, tick)
		if len(ticks) == 2 {
			cancel()
		}
		return errors.New("cycle failed")
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, ticks, 2)
	assert.Equal(t, start, ticks[0])
	assert.Equal(t, start.Add(15*time.Second), ticks[1])
}

func TestRunSkipsOverrunTicks(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	clk := clock.NewFake(start)
	sched := New(Options{Interval: 10 * time.Second, Clock: clk}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks []time.Time
	err := sched.Run(ctx, func(ctx context.Context, tick time.Time) error {
		ticks = append(ticks, tick)
		if len(ticks) == 1 {
			clk.Advance(25 * time.Second)
			return nil
		}
		cancel()
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, ticks, 2)
	assert.Equal(t, start.Add(10*time.Second), ticks[0])
	assert.Equal(t, start.Add(45*time.Second), ticks[1])
}

func TestAlignedTicks(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 7, 0, time.UTC)
	clk := clock.NewFake(start)
	sched := New(Options{Interval: 15 * time.Second, AlignToStart: true, StartupDelay: time.Second, Clock: clk}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var first time.Time
	_ = sched.Run(ctx, func(ctx context.Context, tick time.Time) error {
		first = tick
		cancel()
		return nil
	})

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 15, 0, time.UTC), first)
	assert.Equal(t, time.Second, clk.Sleeps()[0])
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	assert.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}
