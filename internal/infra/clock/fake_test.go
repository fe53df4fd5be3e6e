package clock_test

import (
	"sync/atomic"
	"testing"
	"time"

	"telegram-chatsync/internal/infra/clock"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	t.Parallel()

	c := clock.NewFake(epoch)
	var calls atomic.Int32
	c.AfterFunc(time.Second, func() { calls.Add(1) })

	c.Advance(999 * time.Millisecond)
	require.Equal(t, int32(0), calls.Load())
	c.Advance(time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 0, c.PendingCount())
}

func TestFakeTimerStopAndReset(t *testing.T) {
	t.Parallel()

	c := clock.NewFake(epoch)
	var calls atomic.Int32
	timer := c.AfterFunc(time.Second, func() { calls.Add(1) })

	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	require.Equal(t, 0, c.PendingCount())

	require.False(t, timer.Reset(2*time.Second))
	require.Equal(t, 1, c.PendingCount())
	c.Advance(time.Second)
	require.Equal(t, int32(0), calls.Load())
	c.Advance(time.Second)
	require.Equal(t, int32(1), calls.Load())
}

func TestFakeSleepWithWaitForTimers(t *testing.T) {
	t.Parallel()

	c := clock.NewFake(epoch)
	done := make(chan struct{})
	go func() {
		c.Sleep(5 * time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(5 * time.Second)
	<-done
	require.Equal(t, epoch.Add(5*time.Second), c.Now())
}

func TestFakeTickerReschedules(t *testing.T) {
	t.Parallel()

	c := clock.NewFake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 1; i <= 3; i++ {
		c.Advance(time.Second)
		got := <-ticker.C
		require.Equal(t, epoch.Add(time.Duration(i)*time.Second), got)
	}
}

func TestFakeCallbackMaySchedule(t *testing.T) {
	t.Parallel()

	c := clock.NewFake(epoch)
	var calls atomic.Int32
	var tick func()
	tick = func() {
		if calls.Add(1) < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	require.Equal(t, int32(1), calls.Load())
	c.Advance(time.Second)
	c.Advance(time.Second)
	require.Equal(t, int32(3), calls.Load())
}
