package core

import (
	"context"
	"testing"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/require"
)

func TestLazyUpdateHandler(t *testing.T) {
	t.Parallel()

	h := &LazyUpdateHandler{}
	require.NoError(t, h.Handle(context.Background(), &tg.Updates{}))

	calls := 0
	h.Set(telegram.UpdateHandlerFunc(func(context.Context, tg.UpdatesClass) error {
		calls++
		return nil
	}))
	require.NoError(t, h.Handle(context.Background(), &tg.Updates{}))
	require.Equal(t, 1, calls)
}
