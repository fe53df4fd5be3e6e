package connection_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"telegram-chatsync/internal/infra/clock"
	"telegram-chatsync/internal/infra/telegram/connection"

	"github.com/gotd/td/pool"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestMonitorProbesUntilRestored(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(epoch)
	calls := make(chan int, 8)
	var n int
	probe := func(context.Context) error {
		n++
		calls <- n
		if n < 3 {
			return io.EOF
		}
		return nil
	}
	m := connection.NewMonitor(probe, connection.WithClock(fake), connection.WithProbeInterval(time.Second))
	defer m.Stop()

	var mu sync.Mutex
	var transitions []bool
	m.Subscribe(func(online bool) {
		mu.Lock()
		transitions = append(transitions, online)
		mu.Unlock()
	})

	require.True(t, m.HandleError(fmt.Errorf("read: %w", io.EOF)))
	require.False(t, m.Online())

	<-calls
	fake.Advance(time.Second)
	<-calls
	fake.Advance(time.Second)
	<-calls

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitOnline(ctx))
	require.True(t, m.Online())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{false, true}, transitions)
}

func TestMonitorWaitOnlineHonoursContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	m := connection.NewMonitor(func(ctx context.Context) error {
		<-block
		return net.ErrClosed
	}, connection.WithClock(clock.NewFake(epoch)))
	defer func() {
		close(block)
		m.Stop()
	}()

	m.MarkDisconnected()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, m.WaitOnline(ctx), context.Canceled)
}

func TestMonitorUnsubscribeAndIdempotence(t *testing.T) {
	t.Parallel()

	m := connection.NewMonitor(func(context.Context) error { return nil }, connection.WithClock(clock.NewFake(epoch)))
	defer m.Stop()

	var got int
	unsubscribe := m.Subscribe(func(bool) { got++ })
	m.MarkConnected()
	require.Zero(t, got, "already online")

	unsubscribe()
	m.MarkDisconnected()
	require.Zero(t, got)
}

func TestIsNetworkError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"eof", fmt.Errorf("wrap: %w", io.EOF), true},
		{"dead pool", pool.ErrConnDead, true},
		{"net op", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"rpc", errors.New("PEER_ID_INVALID"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, connection.IsNetworkError(tc.err))
		})
	}
}
