package backoff_test

import (
	"math/rand/v2"
	"testing"
	"time"

	"telegram-chatsync/internal/infra/backoff"

	"github.com/stretchr/testify/require"
)

func TestExponentialTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		attempt int
		base    time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{"first attempt", 1, time.Second, 30 * time.Second, time.Second},
		{"second doubles", 2, time.Second, 30 * time.Second, 2 * time.Second},
		{"fifth", 5, time.Second, 30 * time.Second, 16 * time.Second},
		{"capped", 6, time.Second, 30 * time.Second, 30 * time.Second},
		{"huge attempt capped", 500, time.Second, time.Minute, time.Minute},
		{"zero attempt treated as first", 0, time.Second, time.Minute, time.Second},
		{"zero base", 3, 0, time.Minute, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, backoff.Exponential(tc.attempt, tc.base, tc.max))
		})
	}
}

func TestDelayMonotonicAndBounded(t *testing.T) {
	t.Parallel()

	p := backoff.Policy{Base: 100 * time.Millisecond, Max: 5 * time.Second}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 64; attempt++ {
		d := p.Delay(attempt, nil)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		require.LessOrEqual(t, d, p.Max, "attempt %d", attempt)
		prev = d
	}
}

func TestDelayJitterRange(t *testing.T) {
	t.Parallel()

	p := backoff.Policy{Base: 200 * time.Millisecond, Max: 10 * time.Second, Jitter: true}
	r := rand.New(rand.NewPCG(1, 2)) // #nosec G404
	for attempt := 1; attempt <= 12; attempt++ {
		exp := backoff.Exponential(attempt, p.Base, p.Max)
		for range 200 {
			d := p.Delay(attempt, r.Float64)
			require.GreaterOrEqual(t, d, exp/2)
			require.LessOrEqual(t, d, exp)
		}
	}
}

func TestDelayJitterExtremes(t *testing.T) {
	t.Parallel()

	p := backoff.Policy{Base: time.Second, Max: time.Minute, Jitter: true}
	require.Equal(t, 500*time.Millisecond, p.Delay(1, func() float64 { return 0 }))
	require.InDelta(t, float64(2*time.Second), float64(p.Delay(2, func() float64 { return 0.999999 })), float64(time.Millisecond))
}
