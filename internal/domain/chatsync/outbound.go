package chatsync

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"telegram-chatsync/internal/infra/logger"
	"telegram-chatsync/internal/infra/retry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Send отправляет текст в подписанную комнату. Ждёт токен лимитера, затем
// вызывает Sender с повторами; RandomID один на все попытки. Серверное эхо
// вливается в вид как push.
func (c *Controller) Send(ctx context.Context, name, text string) (Message, error) {
	if c.opts.Sender == nil {
		return Message{}, ErrUnsupported
	}
	r, gen, err := c.subscribed(name)
	if err != nil {
		return Message{}, fmt.Errorf("send %q: %w", name, err)
	}

	if c.opts.Limiter != nil {
		if err := c.opts.Limiter.WaitAndConsume(ctx, 1); err != nil {
			return Message{}, fmt.Errorf("send %q: %w", name, err)
		}
	}

	out := OutgoingMessage{Room: name, Text: text, RandomID: newRandomID()}
	msg, err := retry.Value(ctx, c.opts.Retry, func(ctx context.Context) (Message, error) {
		return c.opts.Sender.Send(ctx, out)
	}, c.netOpts("send")...)
	if err != nil {
		return Message{}, err
	}
	msg.Room = name
	msg.Outgoing = true
	c.applyPush(r, gen, msg)
	return msg, nil
}

// Typing сообщает о наборе текста не чаще раза в TypingInterval
// (первый вызов сразу, последний в конце окна).
func (c *Controller) Typing(name string) error {
	if c.opts.Typer == nil {
		return ErrUnsupported
	}
	r, _, err := c.subscribed(name)
	if err != nil {
		return fmt.Errorf("typing %q: %w", name, err)
	}
	r.typing.Call(struct{}{})
	return nil
}

func (c *Controller) sendTyping(name string) {
	ctx, cancel := context.WithTimeout(c.ctx, typingTimeout)
	defer cancel()
	if err := c.opts.Typer.Typing(ctx, name); err != nil {
		logger.Debug("chatsync: typing failed", zap.String("room", name), zap.Error(err))
	}
}

// MarkRead ставит в очередь отметку о прочтении до самого нового сообщения вида.
// Отметки копятся в пакете и схлопываются до максимума по комнате.
func (c *Controller) MarkRead(name string) error {
	if c.reads == nil {
		return ErrUnsupported
	}
	c.mu.Lock()
	r := c.rooms[name]
	if r == nil {
		c.mu.Unlock()
		return fmt.Errorf("mark read %q: %w", name, ErrNoListener)
	}
	newest, ok := r.view.newest()
	c.mu.Unlock()
	if !ok {
		return nil
	}
	c.reads.Add(ReadReceipt{Room: name, MaxID: newest.ID})
	return nil
}

// flushReads отправляет по одной отметке на комнату. Любой сбой возвращает
// весь пакет в очередь; повторная отметка безвредна.
func (c *Controller) flushReads(ctx context.Context, items []ReadReceipt) error {
	latest := make(map[string]int64, len(items))
	var order []string
	for _, it := range items {
		prev, seen := latest[it.Room]
		if !seen {
			order = append(order, it.Room)
		}
		if !seen || it.MaxID > prev {
			latest[it.Room] = it.MaxID
		}
	}

	var errs []error
	for _, name := range order {
		maxID := latest[name]
		err := c.opts.Retry.Do(ctx, func(ctx context.Context) error {
			return c.opts.ReadMarker.MarkRead(ctx, name, maxID)
		}, c.netOpts("mark_read")...)
		if err != nil {
			errs = append(errs, fmt.Errorf("mark read %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) subscribed(name string) (*room, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.rooms[name]
	if r == nil {
		return nil, 0, ErrNoListener
	}
	if r.state != Subscribed {
		return nil, 0, ErrNotSubscribed
	}
	return r, r.gen, nil
}

// newRandomID берёт 64 бита из UUIDv4 для идемпотентной отправки.
func newRandomID() int64 {
	id := uuid.New()
	return int64(binary.BigEndian.Uint64(id[:8])) // #nosec G115
}
