package telegramchatsync

import (
	"context"
	"time"

	"telegram-chatsync/internal/domain/chatsync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// OutboundAPI: часть tg.Client для исходящих действий.
type OutboundAPI interface {
	MessagesSendMessage(ctx context.Context, req *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error)
	MessagesReadHistory(ctx context.Context, req *tg.MessagesReadHistoryRequest) (*tg.MessagesAffectedMessages, error)
	ChannelsReadHistory(ctx context.Context, req *tg.ChannelsReadHistoryRequest) (bool, error)
	MessagesSetTyping(ctx context.Context, req *tg.MessagesSetTypingRequest) (bool, error)
}

// Outbound реализует chatsync.Sender, chatsync.ReadMarker и chatsync.Typer.
type Outbound struct {
	api      OutboundAPI
	resolver Resolver
	now      func() time.Time
}

// NewOutbound создаёт исходящий адаптер.
func NewOutbound(api OutboundAPI, resolver Resolver) *Outbound {
	return &Outbound{api: api, resolver: resolver, now: time.Now}
}

// Send отправляет текст. RandomID передаётся как есть, поэтому повтор после
// обрыва сервер распознаёт как дубль.
func (o *Outbound) Send(ctx context.Context, out chatsync.OutgoingMessage) (chatsync.Message, error) {
	peer, err := o.resolver.ResolveRoom(ctx, out.Room)
	if err != nil {
		return chatsync.Message{}, err
	}
	resp, err := o.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  out.Text,
		RandomID: out.RandomID,
	})
	if err != nil {
		return chatsync.Message{}, errors.Wrap(err, "messages.sendMessage")
	}
	return o.echo(out, resp)
}

// echo достаёт из ответа серверную копию отправленного сообщения.
func (o *Outbound) echo(out chatsync.OutgoingMessage, resp tg.UpdatesClass) (chatsync.Message, error) {
	base := chatsync.Message{Room: out.Room, Text: out.Text, Outgoing: true}

	var (
		updates []tg.UpdateClass
		n       names
	)
	switch r := resp.(type) {
	case *tg.UpdateShortSentMessage:
		base.ID = int64(r.ID)
		base.Timestamp = unix(r.Date)
		return base, nil
	case *tg.Updates:
		updates, n = r.Updates, namesFromLists(r.Users, r.Chats)
	case *tg.UpdatesCombined:
		updates, n = r.Updates, namesFromLists(r.Users, r.Chats)
	default:
		return chatsync.Message{}, errors.Errorf("unexpected send response %T", resp)
	}

	var id int
	for _, u := range updates {
		if m, ok := u.(*tg.UpdateMessageID); ok && m.RandomID == out.RandomID {
			id = m.ID
		}
	}
	for _, u := range updates {
		var raw tg.MessageClass
		switch m := u.(type) {
		case *tg.UpdateNewMessage:
			raw = m.Message
		case *tg.UpdateNewChannelMessage:
			raw = m.Message
		default:
			continue
		}
		msg, ok := convertMessage(out.Room, raw, n)
		if ok && (id == 0 || msg.ID == int64(id)) {
			return msg, nil
		}
	}
	if id == 0 {
		return chatsync.Message{}, errors.New("send response has no message id")
	}
	base.ID = int64(id)
	base.Timestamp = o.now().UTC().Truncate(time.Second)
	return base, nil
}

// MarkRead помечает историю прочитанной до maxID. Для каналов нужен
// отдельный метод channels.readHistory.
func (o *Outbound) MarkRead(ctx context.Context, room string, maxID int64) error {
	peer, err := o.resolver.ResolveRoom(ctx, room)
	if err != nil {
		return err
	}
	switch p := peer.(type) {
	case *tg.InputPeerChannel:
		_, err = o.api.ChannelsReadHistory(ctx, &tg.ChannelsReadHistoryRequest{
			Channel: &tg.InputChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash},
			MaxID:   int(maxID),
		})
		return errors.Wrap(err, "channels.readHistory")
	default:
		_, err = o.api.MessagesReadHistory(ctx, &tg.MessagesReadHistoryRequest{
			Peer:  p,
			MaxID: int(maxID),
		})
		return errors.Wrap(err, "messages.readHistory")
	}
}

// Typing включает статус «печатает» в комнате.
func (o *Outbound) Typing(ctx context.Context, room string) error {
	peer, err := o.resolver.ResolveRoom(ctx, room)
	if err != nil {
		return err
	}
	_, err = o.api.MessagesSetTyping(ctx, &tg.MessagesSetTypingRequest{
		Peer:   peer,
		Action: &tg.SendMessageTypingAction{},
	})
	return errors.Wrap(err, "messages.setTyping")
}
