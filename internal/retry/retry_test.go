package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"alpha_rebalancer/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() (Policy, *[]time.Duration) {
	var slept []time.Duration
	p := Policy{
		Name:        "test",
		MaxAttempts: 4,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    300 * time.Millisecond,
		Multiplier:  2,
		Log:         logger.Discard(),
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	return p, &slept
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	p, slept := testPolicy()
	var hooks []int
	p.OnRetry = func(attempt int, _ error) { hooks = append(hooks, attempt) }

	v, attempts, err := Do(context.Background(), p, func(_ context.Context, attempt int) (string, error) {
		if attempt < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, hooks)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
}

func TestDo_Exhausted(t *testing.T) {
	p, slept := testPolicy()
	boom := errors.New("boom")

	_, attempts, err := Do(context.Background(), p, func(context.Context, int) (int, error) { return 0, boom })
	assert.Equal(t, 4, attempts)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 300*time.Millisecond, (*slept)[2], "delay capped at MaxDelay")
}

func TestDo_PermanentStops(t *testing.T) {
	p, _ := testPolicy()
	calls := 0
	reject := errors.New("rejected")

	_, attempts, err := Do(context.Background(), p, func(context.Context, int) (int, error) {
		calls++
		return 0, Permanent(reject)
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, reject)
	assert.True(t, IsPermanent(err))
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDo_PerAttemptTimeout(t *testing.T) {
	p, _ := testPolicy()
	p.MaxAttempts = 2
	p.Timeout = 10 * time.Millisecond

	_, _, err := Do(context.Background(), p, func(ctx context.Context, _ int) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestDo_ContextCancelled(t *testing.T) {
	p, _ := testPolicy()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, attempts, err := Do(ctx, p, func(context.Context, int) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, attempts)
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: 0.5}.normalized()
	for i := 0; i < 50; i++ {
		d := p.delay(3)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 6*time.Second)
	}
}
