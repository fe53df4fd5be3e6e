package peersmgr

import (
	"testing"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/require"
)

func TestParseRoom(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want DialogRef
		ok   bool
	}{
		{in: "user:42", want: DialogRef{Kind: DialogKindUser, ID: 42}, ok: true},
		{in: " Channel:1001 ", want: DialogRef{Kind: DialogKindChannel, ID: 1001}, ok: true},
		{in: "chat:7", want: DialogRef{Kind: DialogKindChat, ID: 7}, ok: true},
		{in: "folder:1"},
		{in: "user:"},
		{in: "user:-5"},
		{in: "user:abc"},
		{in: "42"},
		{in: ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseRoom(tt.in)
			if !tt.ok {
				require.ErrorIs(t, err, ErrBadRoom)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, got, mustParse(t, got.Room()))
		})
	}
}

func mustParse(t *testing.T, room string) DialogRef {
	t.Helper()
	ref, err := ParseRoom(room)
	require.NoError(t, err)
	return ref
}

func TestRoomOfPeer(t *testing.T) {
	t.Parallel()

	room, ok := RoomOfPeer(&tg.PeerChannel{ChannelID: 9})
	require.True(t, ok)
	require.Equal(t, "channel:9", room)

	room, ok = RoomOfPeer(&tg.PeerUser{UserID: 3})
	require.True(t, ok)
	require.Equal(t, "user:3", room)

	_, ok = RoomOfPeer(nil)
	require.False(t, ok)
}

func TestDialogRefs(t *testing.T) {
	t.Parallel()

	refs := dialogRefs([]tg.DialogClass{
		&tg.Dialog{Peer: &tg.PeerChat{ChatID: 5}},
		&tg.Dialog{Peer: &tg.PeerUser{UserID: 6}},
		&tg.DialogFolder{Folder: tg.Folder{ID: 1, Title: "archive"}},
	})
	require.Equal(t, []DialogRef{
		{Kind: DialogKindChat, ID: 5},
		{Kind: DialogKindUser, ID: 6},
		{Kind: DialogKindFolder, ID: 1},
	}, refs)
}
