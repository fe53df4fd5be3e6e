package session_test

import (
	"context"
	"path/filepath"
	"testing"

	"telegram-chatsync/internal/infra/telegram/session"

	tdsession "github.com/gotd/td/session"
	"github.com/stretchr/testify/require"
)

func TestFileStorageRoundTrip(t *testing.T) {
	t.Parallel()

	stored := 0
	fs := &session.FileStorage{
		Path:    filepath.Join(t.TempDir(), "state", "session.json"),
		OnStore: func() { stored++ },
	}

	_, err := fs.LoadSession(context.Background())
	require.ErrorIs(t, err, tdsession.ErrNotFound)

	require.NoError(t, fs.StoreSession(context.Background(), []byte(`{"auth":1}`)))
	require.Equal(t, 1, stored)

	data, err := fs.LoadSession(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"auth":1}`, string(data))
}

func TestNilFileStorage(t *testing.T) {
	t.Parallel()

	var fs *session.FileStorage
	_, err := fs.LoadSession(context.Background())
	require.Error(t, err)
	require.Error(t, fs.StoreSession(context.Background(), nil))
}
