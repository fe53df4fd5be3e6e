package telegramchatsync

import (
	"cmp"
	"context"
	"slices"

	"telegram-chatsync/internal/domain/chatsync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// Resolver переводит имя комнаты в InputPeer. Реализуется peersmgr.Service.
type Resolver interface {
	ResolveRoom(ctx context.Context, room string) (tg.InputPeerClass, error)
}

// EntityApplier принимает сущности из ответов, чтобы кэш access_hash не устаревал.
type EntityApplier interface {
	Apply(ctx context.Context, users []tg.UserClass, chats []tg.ChatClass) error
}

// HistoryAPI: часть tg.Client, нужная для истории.
type HistoryAPI interface {
	MessagesGetHistory(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
}

// History реализует chatsync.PageFetcher через messages.getHistory.
type History struct {
	api      HistoryAPI
	resolver Resolver
	applier  EntityApplier
}

// NewHistory создаёт источник истории. applier может быть nil.
func NewHistory(api HistoryAPI, resolver Resolver, applier EntityApplier) *History {
	return &History{api: api, resolver: resolver, applier: applier}
}

// FetchPage запрашивает до req.Limit сообщений строго старше req.Before.
// Идентификаторы сообщений в диалоге монотонны, поэтому хватает offset_id.
//
// Удалённые (MessageEmpty) и неизвестные записи в страницу не попадают.
// Короткая страница для контроллера означает конец истории, поэтому при
// полном сыром ответе недобор дочитывается следующими запросами.
func (h *History) FetchPage(ctx context.Context, req chatsync.PageRequest) (chatsync.Page, error) {
	peer, err := h.resolver.ResolveRoom(ctx, req.Room)
	if err != nil {
		return chatsync.Page{}, err
	}

	offset := int(req.Before.ID)
	page := chatsync.Page{Messages: make([]chatsync.Message, 0, req.Limit)}
	for {
		raw, err := h.fetchRaw(ctx, peer, offset, req.Limit)
		if err != nil {
			return chatsync.Page{}, err
		}
		oldest := offset
		for _, m := range raw.messages {
			if id := m.GetID(); oldest == 0 || id < oldest {
				oldest = id
			}
			if msg, ok := convertMessage(req.Room, m, raw.names); ok {
				page.Messages = append(page.Messages, msg)
			}
		}
		if len(page.Messages) >= req.Limit || len(raw.messages) < req.Limit {
			break
		}
		if offset != 0 && oldest >= offset {
			break
		}
		offset = oldest
	}

	if len(page.Messages) > req.Limit {
		// лишние старые вернутся следующей страницей от курсора
		slices.SortFunc(page.Messages, func(a, b chatsync.Message) int { return cmp.Compare(b.ID, a.ID) })
		page.Messages = page.Messages[:req.Limit]
	}
	return page, nil
}

type rawPage struct {
	messages []tg.MessageClass
	names    names
}

func (h *History) fetchRaw(ctx context.Context, peer tg.InputPeerClass, offset, limit int) (rawPage, error) {
	resp, err := h.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: offset,
		Limit:    limit,
	})
	if err != nil {
		return rawPage{}, errors.Wrap(err, "messages.getHistory")
	}

	raw, users, chats, err := unpackMessages(resp)
	if err != nil {
		return rawPage{}, err
	}
	if h.applier != nil && (len(users) > 0 || len(chats) > 0) {
		// кэш пиров вторичен, страница важнее
		_ = h.applier.Apply(ctx, users, chats)
	}
	return rawPage{messages: raw, names: namesFromLists(users, chats)}, nil
}

func unpackMessages(resp tg.MessagesMessagesClass) ([]tg.MessageClass, []tg.UserClass, []tg.ChatClass, error) {
	switch r := resp.(type) {
	case *tg.MessagesMessages:
		return r.Messages, r.Users, r.Chats, nil
	case *tg.MessagesMessagesSlice:
		return r.Messages, r.Users, r.Chats, nil
	case *tg.MessagesChannelMessages:
		return r.Messages, r.Users, r.Chats, nil
	case *tg.MessagesMessagesNotModified:
		return nil, nil, nil, nil
	default:
		return nil, nil, nil, errors.Errorf("unexpected history response %T", resp)
	}
}
