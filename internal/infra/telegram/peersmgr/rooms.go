package peersmgr

import (
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// DialogKind: тип диалога в имени комнаты и снимке.
type DialogKind string

const (
	DialogKindUser    DialogKind = "user"
	DialogKindChat    DialogKind = "chat"
	DialogKindChannel DialogKind = "channel"
	DialogKindFolder  DialogKind = "folder"
)

// ErrBadRoom: имя комнаты не в формате "<kind>:<id>".
var ErrBadRoom = errors.New("peersmgr: bad room name")

// DialogRef: минимальная ссылка на диалог.
type DialogRef struct {
	Kind DialogKind `json:"kind"`
	ID   int64      `json:"id"`
}

// Room возвращает имя комнаты вида "channel:123".
func (r DialogRef) Room() string {
	return string(r.Kind) + ":" + strconv.FormatInt(r.ID, 10)
}

// ParseRoom разбирает имя комнаты. Папки комнатами не бывают.
func ParseRoom(room string) (DialogRef, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(room), ":")
	if !ok {
		return DialogRef{}, errors.Wrapf(ErrBadRoom, "%q", room)
	}
	ref := DialogRef{Kind: DialogKind(strings.ToLower(kind))}
	switch ref.Kind {
	case DialogKindUser, DialogKindChat, DialogKindChannel:
	default:
		return DialogRef{}, errors.Wrapf(ErrBadRoom, "%q: unknown kind", room)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return DialogRef{}, errors.Wrapf(ErrBadRoom, "%q: bad id", room)
	}
	ref.ID = n
	return ref, nil
}

// RoomOfPeer возвращает имя комнаты для tg.PeerClass; ok=false для неизвестных типов.
func RoomOfPeer(peer tg.PeerClass) (string, bool) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return DialogRef{Kind: DialogKindUser, ID: p.UserID}.Room(), true
	case *tg.PeerChat:
		return DialogRef{Kind: DialogKindChat, ID: p.ChatID}.Room(), true
	case *tg.PeerChannel:
		return DialogRef{Kind: DialogKindChannel, ID: p.ChannelID}.Room(), true
	default:
		return "", false
	}
}

func dialogRefs(source []tg.DialogClass) []DialogRef {
	refs := make([]DialogRef, 0, len(source))
	for _, d := range source {
		switch dlg := d.(type) {
		case *tg.Dialog:
			if room, ok := RoomOfPeer(dlg.Peer); ok {
				ref, _ := ParseRoom(room)
				refs = append(refs, ref)
			}
		case *tg.DialogFolder:
			if !dlg.Folder.Zero() {
				refs = append(refs, DialogRef{Kind: DialogKindFolder, ID: int64(dlg.Folder.ID)})
			}
		}
	}
	return refs
}
