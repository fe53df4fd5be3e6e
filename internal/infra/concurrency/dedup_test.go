package concurrency_test

import (
	"context"
	"testing"
	"time"

	"telegram-chatsync/internal/infra/clock"
	"telegram-chatsync/internal/infra/concurrency"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestDeduplicatorWindow(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	d := concurrency.NewDeduplicator(2*time.Minute, fake)
	key := concurrency.MessageKey("channel:1", 10, 0)

	require.False(t, d.Seen(key))
	require.True(t, d.Seen(key))

	edited := concurrency.MessageKey("channel:1", 10, 1700000000)
	require.False(t, d.Seen(edited), "edit changes the signature")

	fake.Advance(2 * time.Minute)
	require.False(t, d.Seen(key), "entry expired")
}

func TestDeduplicatorCleanup(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	d := concurrency.NewDeduplicator(time.Minute, fake)
	d.Seen("a")
	d.Seen("b")
	fake.Advance(30 * time.Second)
	d.Seen("c")

	fake.Advance(30 * time.Second)
	d.Cleanup()
	require.Equal(t, 1, d.Len())
}

func TestDeduplicatorBackgroundCleanup(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	d := concurrency.NewDeduplicator(time.Second, fake)
	d.Start(context.Background())
	defer d.Stop()

	d.Seen("a")
	fake.WaitForTimers(1)
	fake.Advance(time.Minute)
	require.Eventually(t, func() bool { return d.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStartTimeoutTimer(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := concurrency.StartTimeoutTimer(ctx, 5*time.Second, fake, cancel)
	fake.WaitForTimers(1)
	fake.Advance(5 * time.Second)
	<-done
	require.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestStartTimeoutTimerDisabled(t *testing.T) {
	t.Parallel()

	done := concurrency.StartTimeoutTimer(context.Background(), 0, nil, func() {})
	<-done
}
