// Package telegramchatsync связывает контроллер синхронизации комнат с MTProto:
// realtime-канал поверх диспетчера апдейтов, постраничную историю,
// отправку, отметки о прочтении и статус набора текста.
//
// Комната: диалог Telegram, имя комнаты имеет вид "user:<id>", "chat:<id>"
// или "channel:<id>" (см. peersmgr.ParseRoom).
package telegramchatsync

import (
	"strings"
	"time"

	"telegram-chatsync/internal/domain/chatsync"

	"github.com/gotd/td/tg"
)

// names подсказывает отображаемое имя отправителя по peer.
type names struct {
	users    map[int64]*tg.User
	chats    map[int64]*tg.Chat
	channels map[int64]*tg.Channel
}

func namesFromEntities(e tg.Entities) names {
	return names{users: e.Users, chats: e.Chats, channels: e.Channels}
}

func namesFromLists(users []tg.UserClass, chats []tg.ChatClass) names {
	n := names{
		users:    make(map[int64]*tg.User, len(users)),
		chats:    make(map[int64]*tg.Chat),
		channels: make(map[int64]*tg.Channel),
	}
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			n.users[user.ID] = user
		}
	}
	for _, c := range chats {
		switch ch := c.(type) {
		case *tg.Chat:
			n.chats[ch.ID] = ch
		case *tg.Channel:
			n.channels[ch.ID] = ch
		}
	}
	return n
}

func (n names) of(peer tg.PeerClass) string {
	switch p := peer.(type) {
	case *tg.PeerUser:
		if u := n.users[p.UserID]; u != nil {
			full := strings.TrimSpace(u.FirstName + " " + u.LastName)
			if full != "" {
				return full
			}
			if u.Username != "" {
				return "@" + u.Username
			}
		}
	case *tg.PeerChat:
		if c := n.chats[p.ChatID]; c != nil {
			return c.Title
		}
	case *tg.PeerChannel:
		if c := n.channels[p.ChannelID]; c != nil {
			return c.Title
		}
	}
	return ""
}

func peerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

// convertMessage переводит сообщение MTProto в доменное. ok=false для
// MessageEmpty и неизвестных типов.
func convertMessage(room string, raw tg.MessageClass, n names) (chatsync.Message, bool) {
	switch m := raw.(type) {
	case *tg.Message:
		from, hasFrom := m.GetFromID()
		if !hasFrom {
			// посты каналов и личка без from_id: отправителем считается сам диалог
			from = m.PeerID
		}
		msg := chatsync.Message{
			ID:        int64(m.ID),
			Room:      room,
			Timestamp: unix(m.Date),
			SenderID:  peerID(from),
			Sender:    n.of(from),
			Text:      m.Message,
			Outgoing:  m.Out,
		}
		if edit, ok := m.GetEditDate(); ok && edit > 0 {
			msg.EditedAt = unix(edit)
		}
		return msg, true
	case *tg.MessageService:
		from, hasFrom := m.GetFromID()
		if !hasFrom {
			from = m.PeerID
		}
		return chatsync.Message{
			ID:        int64(m.ID),
			Room:      room,
			Timestamp: unix(m.Date),
			SenderID:  peerID(from),
			Sender:    n.of(from),
			Text:      actionText(m.Action),
			Outgoing:  m.Out,
			Service:   true,
		}, true
	default:
		return chatsync.Message{}, false
	}
}

// actionText: короткая подпись служебного сообщения: "[chat add user]".
func actionText(action tg.MessageActionClass) string {
	if action == nil {
		return "[service]"
	}
	name := strings.TrimPrefix(action.TypeName(), "messageAction")
	var b strings.Builder
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return "[" + strings.ToLower(b.String()) + "]"
}

func unix(sec int) time.Time {
	return time.Unix(int64(sec), 0).UTC()
}
