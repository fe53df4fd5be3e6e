package chatsync_test

import (
	"path/filepath"
	"testing"

	"telegram-chatsync/internal/domain/chatsync"
	"telegram-chatsync/internal/infra/storage"

	"github.com/stretchr/testify/require"
)

func TestBoltStoreHoldsSnapshots(t *testing.T) {
	t.Parallel()

	db, err := storage.OpenBolt(filepath.Join(t.TempDir(), "chatsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := storage.NewJSONStore[chatsync.Snapshot](db, "snapshots")
	require.NoError(t, err)

	var s chatsync.SnapshotStore = store
	require.NoError(t, s.Save(room, chatsync.Snapshot{Room: room, Messages: []chatsync.Message{msg(1), msg(2)}}))

	got, ok, err := s.Load(room)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []int64{1, 2}, ids(got.Messages))
	require.True(t, got.Messages[0].Timestamp.Equal(msg(1).Timestamp))
}
