package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whale-alerts/internal/clock"
)

var errBusy = errors.New("busy")

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 60 * time.Second, Multiplier: 2}

	assert.Equal(t, 60*time.Second, p.Delay(1))
	assert.Equal(t, 120*time.Second, p.Delay(2))
	assert.Equal(t, 240*time.Second, p.Delay(3))
}

func TestDelayCapped(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Second, Multiplier: 3, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 3*time.Second, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(9))
}

func TestDoSucceedsOnThirdAttempt(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := Policy{MaxAttempts: 3, BaseDelay: 60 * time.Second, Multiplier: 2}

	calls := 0
	err := p.Do(context.Background(), clk, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errBusy
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second}, clk.Sleeps())
}

func TestDoExhausts(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := Policy{MaxAttempts: 4, BaseDelay: time.Second, Multiplier: 2}

	var retried []int
	err := p.Do(context.Background(), clk, func(ctx context.Context, attempt int) error {
		return errBusy
	}, func(attempt int, delay time.Duration, err error) {
		retried = append(retried, attempt)
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, []int{1, 2, 3}, retried)

	sleeps := clk.Sleeps()
	require.Len(t, sleeps, 3)
	for i := 1; i < len(sleeps); i++ {
		assert.GreaterOrEqual(t, sleeps[i], sleeps[i-1])
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2}

	calls := 0
	err := p.Do(context.Background(), clk, func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(errBusy)
	}, nil)

	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, 1, calls)
	assert.Empty(t, clk.Sleeps())
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour, Multiplier: 2}

	err := p.Do(ctx, clock.Real{}, func(ctx context.Context, attempt int) error {
		cancel()
		return errBusy
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
}
