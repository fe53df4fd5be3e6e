package chatsync

import (
	"telegram-chatsync/internal/infra/logger"
	"telegram-chatsync/internal/infra/metrics"

	"go.uber.org/zap"
)

// snapshotLocked снимает хвост вида для сохранения. Вызывается под c.mu;
// без хранилища возвращает nil.
func (c *Controller) snapshotLocked(r *room) *Snapshot {
	if r.saver == nil {
		return nil
	}
	return &Snapshot{
		Room:     r.name,
		Messages: r.view.snapshot(c.opts.SnapshotLimit),
		SavedAt:  c.opts.Clock.Now(),
	}
}

// scheduleSave откладывает запись снимка: серия изменений даёт одну запись.
func (c *Controller) scheduleSave(r *room, snap *Snapshot) {
	if snap == nil || r.saver == nil {
		return
	}
	r.saver.Call(*snap)
}

func (c *Controller) saveSnapshot(s Snapshot) {
	if err := c.opts.Store.Save(s.Room, s); err != nil {
		logger.Warn("chatsync: snapshot save failed", zap.String("room", s.Room), zap.Error(err))
		return
	}
	logger.Debug("chatsync: snapshot saved", zap.String("room", s.Room), zap.Int("messages", len(s.Messages)))
}

// restoreSnapshot показывает сохранённый хвост до ответа сервера. Эти
// сообщения не двигают курсор: листание всё равно идёт от начального окна.
func (c *Controller) restoreSnapshot(r *room, gen uint64) {
	if c.opts.Store == nil {
		return
	}
	snap, ok, err := c.opts.Store.Load(r.name)
	if err != nil {
		logger.Warn("chatsync: snapshot load failed", zap.String("room", r.name), zap.Error(err))
		return
	}
	if !ok || len(snap.Messages) == 0 {
		return
	}

	c.mu.Lock()
	if !c.current(r, gen) || r.state != Joining {
		c.mu.Unlock()
		return
	}
	changed := r.view.merge(normalizePage(Page{Messages: snap.Messages}, r.name), sourceCached)
	ev := Event{Room: r.name, Kind: EventCached, Messages: changed, State: r.state, HasMoreOlder: r.hasMoreOlder}
	listener := r.listener
	c.mu.Unlock()

	metrics.MessagesMerged.WithLabelValues(sourceCached.String()).Add(float64(len(changed)))
	c.deliver(listener, ev)
}
