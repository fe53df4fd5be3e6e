// Package concurrency: инфраструктурные помощники поверх входящего потока
// обновлений: подавление дублей и автоматическое завершение по таймауту.
//
// Deduplicator помнит сигнатуры недавно виденных событий. Канал доставки
// (MTProto updates) гарантирует «хотя бы один раз», поэтому один и тот же апдейт
// может прийти повторно после переподключения; сигнатура
// `<peer>:<msgID>:<editDate>` меняется при правке, так что правка дублем не считается.

package concurrency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"telegram-chatsync/internal/infra/clock"
	"telegram-chatsync/internal/infra/logger"

	"go.uber.org/zap"
)

// cleanupEvery: период фоновой уборки просроченных записей.
const cleanupEvery = time.Minute

// Deduplicator: потокобезопасный кэш «недавно видели» с окном window.
type Deduplicator struct {
	mu     sync.Mutex
	seen   map[string]time.Time // ключ -> момент истечения
	window time.Duration
	clock  clock.Clock

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeduplicator создаёт кэш с окном window. При c == nil берутся реальные часы.
func NewDeduplicator(window time.Duration, c clock.Clock) *Deduplicator {
	return &Deduplicator{
		seen:   make(map[string]time.Time),
		window: window,
		clock:  clock.OrReal(c),
	}
}

// MessageKey формирует сигнатуру сообщения в диалоге.
func MessageKey(peer string, msgID int, editDate int) string {
	return fmt.Sprintf("%s:%d:%d", peer, msgID, editDate)
}

// Seen сообщает, встречался ли key в пределах окна. Новый ключ регистрируется.
func (d *Deduplicator) Seen(key string) bool {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		logger.Debug("dedup: duplicate suppressed", zap.String("key", key))
		return true
	}
	d.seen[key] = now.Add(d.window)
	return false
}

// Cleanup удаляет просроченные записи.
func (d *Deduplicator) Cleanup() {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
}

// Len возвращает число хранимых сигнатур.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Start запускает фоновую уборку. Повторный вызов игнорируется.
func (d *Deduplicator) Start(ctx context.Context) {
	if ctx == nil {
		return
	}
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Go(func() {
		ticker := d.clock.NewTicker(cleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.Cleanup()
			}
		}
	})
}

// Stop останавливает уборку и дожидается горутины.
func (d *Deduplicator) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
}
