package telegramchatsync

import (
	"context"
	"sync"

	"telegram-chatsync/internal/domain/chatsync"
	"telegram-chatsync/internal/infra/concurrency"
	"telegram-chatsync/internal/infra/logger"
	"telegram-chatsync/internal/infra/telegram/peersmgr"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// Connectivity: источник состояния соединения (connection.Monitor).
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Channel реализует chatsync.Channel поверх потока апдейтов MTProto.
//
// Подписка на комнату локальная: апдейты приходят по всем диалогам сразу,
// Channel лишь раскладывает их по подписчикам. Потеря соединения переводит
// всех подписчиков в Joining, а восстановление в Subscribed.
type Channel struct {
	resolver Resolver
	dedup    *concurrency.Deduplicator
	conn     Connectivity

	mu   sync.Mutex
	subs map[string]chatsync.Subscriber

	unsubscribe func()
}

// NewChannel создаёт канал. dedup и conn могут быть nil.
func NewChannel(resolver Resolver, dedup *concurrency.Deduplicator, conn Connectivity) *Channel {
	c := &Channel{
		resolver: resolver,
		dedup:    dedup,
		conn:     conn,
		subs:     make(map[string]chatsync.Subscriber),
	}
	if conn != nil {
		c.unsubscribe = conn.Subscribe(c.onConnectivity)
	}
	return c
}

// Register вешает обработчики новых и изменённых сообщений на диспетчер.
func (c *Channel) Register(d tg.UpdateDispatcher) {
	d.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.dispatch(e, u.Message)
		return nil
	})
	d.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.dispatch(e, u.Message)
		return nil
	})
	d.OnEditMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
		c.dispatch(e, u.Message)
		return nil
	})
	d.OnEditChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
		c.dispatch(e, u.Message)
		return nil
	})
}

// Join проверяет, что комнату можно разрешить в peer, и подписывает sub.
// Joining и (при живом соединении) Subscribed сообщаются синхронно.
func (c *Channel) Join(ctx context.Context, room string, sub chatsync.Subscriber) error {
	if _, err := c.resolver.ResolveRoom(ctx, room); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[room] = sub
	c.mu.Unlock()

	sub.OnStatus(chatsync.ChannelJoining, nil)
	if c.conn == nil || c.conn.Online() {
		sub.OnStatus(chatsync.ChannelSubscribed, nil)
	}
	return nil
}

// Leave отписывает комнату.
func (c *Channel) Leave(_ context.Context, room string) error {
	c.mu.Lock()
	delete(c.subs, room)
	c.mu.Unlock()
	return nil
}

// Close отвязывает канал от монитора соединения.
func (c *Channel) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

func (c *Channel) onConnectivity(online bool) {
	status := chatsync.ChannelJoining
	if online {
		status = chatsync.ChannelSubscribed
	}
	for _, sub := range c.snapshot() {
		sub.OnStatus(status, nil)
	}
}

func (c *Channel) snapshot() []chatsync.Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chatsync.Subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	return out
}

func (c *Channel) dispatch(e tg.Entities, raw tg.MessageClass) {
	var (
		peer     tg.PeerClass
		id, edit int
	)
	switch m := raw.(type) {
	case *tg.Message:
		peer, id, edit = m.PeerID, m.ID, m.EditDate
	case *tg.MessageService:
		peer, id = m.PeerID, m.ID
	default:
		return
	}
	room, ok := peersmgr.RoomOfPeer(peer)
	if !ok {
		return
	}

	c.mu.Lock()
	sub := c.subs[room]
	c.mu.Unlock()
	if sub == nil {
		return
	}
	if c.dedup != nil && c.dedup.Seen(concurrency.MessageKey(room, id, edit)) {
		return
	}

	msg, ok := convertMessage(room, raw, namesFromEntities(e))
	if !ok {
		return
	}
	logger.Debug("telegram: push", zap.String("room", room), zap.Int64("id", msg.ID))
	sub.OnMessage(msg)
}
