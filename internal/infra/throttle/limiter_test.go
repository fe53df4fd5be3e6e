package throttle_test

import (
	"context"
	"testing"
	"time"

	"telegram-chatsync/internal/infra/clock"
	"telegram-chatsync/internal/infra/throttle"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestDrainThenRefill(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	l := throttle.NewRateLimiter(10, 10, time.Second, throttle.WithClock(fake))

	for i := 0; i < 10; i++ {
		require.True(t, l.Consume(1), "token %d", i)
	}
	require.False(t, l.CanProceed(1))
	require.False(t, l.Consume(1))

	fake.Advance(99 * time.Millisecond)
	require.False(t, l.CanProceed(1))

	fake.Advance(time.Millisecond)
	require.True(t, l.CanProceed(1))
	require.Equal(t, 1, l.Tokens())
}

func TestRefillKeepsFractionalRemainder(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	l := throttle.NewRateLimiter(10, 10, time.Second, throttle.WithClock(fake))
	require.True(t, l.Consume(10))

	// 150мс дают один токен, оставшиеся 50мс не теряются.
	fake.Advance(150 * time.Millisecond)
	require.Equal(t, 1, l.Tokens())
	fake.Advance(50 * time.Millisecond)
	require.Equal(t, 2, l.Tokens())
}

func TestRefillCappedAtMax(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	l := throttle.NewRateLimiter(5, 10, time.Second, throttle.WithClock(fake))
	require.True(t, l.Consume(3))

	fake.Advance(time.Hour)
	require.Equal(t, 5, l.Tokens())

	// Полный бакет не копит «кредит» времени.
	require.True(t, l.Consume(5))
	require.False(t, l.CanProceed(1))
}

func TestCanProceedDoesNotConsume(t *testing.T) {
	t.Parallel()

	l := throttle.NewRateLimiter(2, 1, time.Minute, throttle.WithClock(clock.NewFake(epoch)))
	for range 5 {
		require.True(t, l.CanProceed(2))
	}
	require.Equal(t, 2, l.Tokens())
	require.False(t, l.Consume(3))
	require.Equal(t, 2, l.Tokens())
}

func TestNonPositiveCostCountsAsOne(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cost int
	}{
		{"zero", 0},
		{"negative", -5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			l := throttle.NewRateLimiter(2, 1, time.Minute, throttle.WithClock(clock.NewFake(epoch)))
			require.True(t, l.CanProceed(tc.cost))
			require.True(t, l.Consume(tc.cost))
			require.Equal(t, 1, l.Tokens())
			require.True(t, l.Consume(tc.cost))
			require.Zero(t, l.Tokens())
			require.False(t, l.CanProceed(tc.cost))
			require.False(t, l.Consume(tc.cost))
			require.Zero(t, l.Tokens(), "tokens never go above capacity or below zero")
		})
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	l := throttle.NewRateLimiter(3, 1, time.Minute, throttle.WithClock(clock.NewFake(epoch)))
	require.True(t, l.Consume(3))
	l.Reset()
	require.Equal(t, 3, l.Tokens())
}

func TestWaitAndConsumePollsUntilRefill(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	l := throttle.NewRateLimiter(1, 1, time.Second, throttle.WithClock(fake))
	require.True(t, l.Consume(1))

	done := make(chan error, 1)
	go func() { done <- l.WaitAndConsume(context.Background(), 1) }()

	for range 10 {
		fake.WaitForTimers(1)
		fake.Advance(100 * time.Millisecond)
	}
	require.NoError(t, <-done)
	require.Equal(t, 0, l.Tokens())
}

func TestWaitAndConsumeHonoursContext(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	l := throttle.NewRateLimiter(1, 1, time.Hour, throttle.WithClock(fake))
	require.True(t, l.Consume(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.WaitAndConsume(ctx, 1) }()

	fake.WaitForTimers(1)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestWaitAndConsumeRejectsImpossibleCost(t *testing.T) {
	t.Parallel()

	l := throttle.NewRateLimiter(2, 1, time.Second)
	require.ErrorIs(t, l.WaitAndConsume(context.Background(), 3), throttle.ErrCostExceedsCapacity)
}
