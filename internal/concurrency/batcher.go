package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"telegram-chatsync/internal/infra/clock"
	"telegram-chatsync/internal/infra/logger"
	"telegram-chatsync/internal/infra/metrics"

	"go.uber.org/zap"
)

// FlushFunc получает пакет в порядке добавления. Ошибка возвращает пакет в очередь.
type FlushFunc[T any] func(ctx context.Context, items []T) error

// BatcherOptions: параметры Batcher.
type BatcherOptions[T any] struct {
	Name     string        // метка для логов и метрик
	MaxSize  int           // при достижении размера сброс запускается немедленно
	MaxWait  time.Duration // предельное ожидание перед сбросом по таймеру
	Debounce bool          // таймер перезапускается на каждый Add
	Flush    FlushFunc[T]
	// OnError дополнительно получает ошибку сброса и неудавшийся пакет.
	OnError func(err error, items []T)
	Clock   clock.Clock
}

// ErrBatcherStopped возвращает Stop при повторном вызове.
var ErrBatcherStopped = errors.New("batcher: already stopped")

// Batcher накапливает элементы и сбрасывает их пакетами.
//
// Одновременно выполняется не больше одного сброса (флаг flushing); Flush во
// время активного сброса: no-op. Элементы, добавленные во время сброса, идут в
// следующий пакет. Неудавшийся пакет возвращается в начало очереди в исходном
// порядке, ошибка уходит в лог; самостоятельных повторов Batcher не делает,
// следующую попытку запустит очередной Add или таймер.
type Batcher[T any] struct {
	opts  BatcherOptions[T]
	clock clock.Clock
	ctx   context.Context

	mu       sync.Mutex
	pending  []T
	timer    *clock.Timer
	gen      uint64 // поколение таймера
	flushing bool
	stopped  bool

	wg sync.WaitGroup
}

// NewBatcher создаёт батчер. ctx передаётся в Flush при сбросах по размеру и
// таймеру; его отмена не останавливает Batcher, для этого есть Stop.
func NewBatcher[T any](ctx context.Context, opts BatcherOptions[T]) *Batcher[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.MaxSize < 1 {
		opts.MaxSize = 1
	}
	opts.MaxWait = positive(opts.MaxWait)
	if opts.Name == "" {
		opts.Name = "batch"
	}
	return &Batcher[T]{opts: opts, clock: clock.OrReal(opts.Clock), ctx: ctx}
}

// Add ставит элемент в очередь. Не блокируется на сбросе.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		logger.Warn("batcher: add after stop ignored", zap.String("batcher", b.opts.Name))
		return
	}
	b.pending = append(b.pending, item)

	if len(b.pending) >= b.opts.MaxSize {
		b.stopTimerLocked()
		// Add под мьютексом: Stop ждёт wg только после stopped
		b.wg.Add(1)
		b.mu.Unlock()
		go func() {
			defer b.wg.Done()
			_ = b.Flush(b.ctx)
		}()
		return
	}

	switch {
	case b.opts.Debounce:
		b.stopTimerLocked()
		b.scheduleLocked()
	case b.timer == nil:
		b.scheduleLocked()
	}
	b.mu.Unlock()
}

// scheduleLocked заводит таймер сброса. Колбэк проверяет поколение,
// поэтому остановленный или заменённый таймер ничего не делает. Сброс по
// таймеру учитывается в wg, как и сброс по размеру.
func (b *Batcher[T]) scheduleLocked() {
	b.gen++
	gen := b.gen
	b.timer = b.clock.AfterFunc(b.opts.MaxWait, func() {
		b.mu.Lock()
		if gen != b.gen || b.stopped {
			b.mu.Unlock()
			return
		}
		b.timer = nil
		b.wg.Add(1)
		b.mu.Unlock()
		defer b.wg.Done()
		_ = b.Flush(b.ctx)
	})
}

func (b *Batcher[T]) stopTimerLocked() {
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// Flush синхронно сбрасывает накопленное. Ничего не делает, если очередь пуста
// или сброс уже идёт. Возвращает ошибку колбэка (пакет к этому моменту уже
// возвращён в очередь).
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.flushing || len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = nil
	b.flushing = true
	b.stopTimerLocked()
	b.mu.Unlock()

	err := b.callFlush(ctx, batch)

	b.mu.Lock()
	b.flushing = false
	if err != nil {
		requeued := make([]T, 0, len(batch)+len(b.pending))
		requeued = append(requeued, batch...)
		b.pending = append(requeued, b.pending...)
	}
	// Элементы, пришедшие во время успешного сброса, получают свой таймер.
	again := false
	if err == nil && len(b.pending) > 0 && !b.stopped {
		if len(b.pending) >= b.opts.MaxSize {
			again = true
		} else if b.timer == nil {
			b.scheduleLocked()
		}
	}
	b.mu.Unlock()

	if err != nil {
		metrics.BatchFlushes.WithLabelValues(b.opts.Name, "error").Inc()
		logger.Error("batcher: flush failed, batch requeued",
			zap.String("batcher", b.opts.Name), zap.Int("items", len(batch)), zap.Error(err))
		if b.opts.OnError != nil {
			b.opts.OnError(err, batch)
		}
		return err
	}
	metrics.BatchFlushes.WithLabelValues(b.opts.Name, "ok").Inc()
	metrics.BatchItems.WithLabelValues(b.opts.Name).Add(float64(len(batch)))

	if again {
		return b.Flush(ctx)
	}
	return nil
}

// callFlush изолирует панику колбэка, превращая её в ошибку сброса.
func (b *Batcher[T]) callFlush(ctx context.Context, batch []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &flushPanic{value: r}
		}
	}()
	return b.opts.Flush(ctx, batch)
}

type flushPanic struct{ value any }

func (p *flushPanic) Error() string { return fmt.Sprintf("batcher: flush panicked: %v", p.value) }

// Clear выбрасывает накопленные элементы и гасит таймер.
func (b *Batcher[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	b.stopTimerLocked()
}

// Size возвращает число ожидающих элементов.
func (b *Batcher[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop запрещает новые Add, дожидается фоновых сбросов и делает последний
// сброс остатка. Повторный вызов возвращает ErrBatcherStopped.
func (b *Batcher[T]) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrBatcherStopped
	}
	b.stopped = true
	b.stopTimerLocked()
	b.mu.Unlock()

	b.wg.Wait()
	return b.Flush(ctx)
}
