package concurrency_test

import (
	"sync"
	"testing"
	"time"

	"telegram-chatsync/internal/concurrency"
	"telegram-chatsync/internal/infra/clock"

	"github.com/stretchr/testify/require"
)

// calls: потокобезопасный журнал вызовов.
type calls[T any] struct {
	mu  sync.Mutex
	got []T
}

func (c *calls[T]) add(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, v)
}

func (c *calls[T]) list() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.got...)
}

func TestDebounceCollapsesBurst(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	var log calls[int]
	d := concurrency.NewDebounce(log.add, 100*time.Millisecond, fake)

	for i := 1; i <= 10; i++ {
		d.Call(i)
		fake.Advance(50 * time.Millisecond)
	}
	require.Empty(t, log.list())
	require.True(t, d.Pending())

	fake.Advance(50 * time.Millisecond)
	require.Equal(t, []int{10}, log.list())
	require.False(t, d.Pending())
}

func TestDebounceCancel(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	var log calls[string]
	d := concurrency.NewDebounce(log.add, time.Second, fake)

	d.Call("a")
	d.Cancel()
	fake.Advance(2 * time.Second)
	require.Empty(t, log.list())

	d.Call("b")
	fake.Advance(time.Second)
	require.Equal(t, []string{"b"}, log.list())
}

func TestDebounceFlushRunsPendingNow(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	var log calls[string]
	d := concurrency.NewDebounce(log.add, time.Minute, fake)

	require.False(t, d.Flush())
	d.Call("snapshot")
	require.True(t, d.Flush())
	require.Equal(t, []string{"snapshot"}, log.list())

	fake.Advance(time.Minute)
	require.Equal(t, []string{"snapshot"}, log.list())
}

func TestThrottleLeadingAndTrailing(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	var log calls[int]
	th := concurrency.NewThrottle(log.add, 100*time.Millisecond,
		concurrency.ThrottleOptions{Leading: true, Trailing: true}, fake)

	// Серия вызовов в первом окне, затем наблюдаем ещё одно окно.
	for i := 0; i < 10; i++ {
		th.Call(i)
		fake.Advance(10 * time.Millisecond)
	}
	fake.Advance(100 * time.Millisecond)

	require.Equal(t, []int{0, 9}, log.list())
	require.False(t, th.Pending())
}

func TestThrottleSpacesInvocations(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	var log calls[time.Time]
	th := concurrency.NewThrottle(func(int) { log.add(fake.Now()) }, 100*time.Millisecond,
		concurrency.ThrottleOptions{Leading: true, Trailing: true}, fake)

	for i := 0; i < 40; i++ {
		th.Call(i)
		fake.Advance(10 * time.Millisecond)
	}
	fake.Advance(200 * time.Millisecond)

	got := log.list()
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		require.GreaterOrEqual(t, got[i].Sub(got[i-1]), 100*time.Millisecond)
	}
}

func TestThrottleLeadingOnly(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	var log calls[int]
	th := concurrency.NewThrottle(log.add, time.Second, concurrency.ThrottleOptions{Leading: true}, fake)

	th.Call(1)
	th.Call(2)
	fake.Advance(time.Second)
	th.Call(3)

	require.Equal(t, []int{1, 3}, log.list())
}

func TestThrottleTrailingOnly(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	var log calls[int]
	th := concurrency.NewThrottle(log.add, time.Second, concurrency.ThrottleOptions{Trailing: true}, fake)

	th.Call(1)
	th.Call(2)
	require.Empty(t, log.list())
	fake.Advance(time.Second)
	require.Equal(t, []int{2}, log.list())
}

func TestThrottleCancelResetsTiming(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	var log calls[int]
	th := concurrency.NewThrottle(log.add, time.Second,
		concurrency.ThrottleOptions{Leading: true, Trailing: true}, fake)

	th.Call(1)
	th.Call(2)
	th.Cancel()
	fake.Advance(time.Second)
	require.Equal(t, []int{1}, log.list())

	th.Call(3)
	require.Equal(t, []int{1, 3}, log.list())
}
