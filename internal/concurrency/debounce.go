// Package concurrency: примитивы сглаживания нагрузки поверх clock.Clock:
// Debounced (вызов после затишья), Throttled (не чаще раза за окно) и
// Batcher (накопление элементов и пакетный сброс).
//
// Общие правила: пользовательские функции всегда выполняются вне мьютекса;
// колбэки таймеров работают со снимком, сделанным в момент планирования,
// и сверяют поколение, чтобы отменённый или перепланированный таймер
// ничего не сделал.

package concurrency

import (
	"sync"
	"time"

	"telegram-chatsync/internal/infra/clock"
)

// Debounced откладывает вызов fn до тех пор, пока поток вызовов Call не
// утихнет на wait, и исполняет его один раз с последними аргументами.
type Debounced[T any] struct {
	fn    func(T)
	wait  time.Duration
	clock clock.Clock

	mu      sync.Mutex
	timer   *clock.Timer
	gen     uint64 // растёт при каждом Call/Cancel; старые таймеры сверяются с ним
	pending bool
	args    T
}

// NewDebounce создаёт дебаунсер. c == nil означает реальные часы.
func NewDebounce[T any](fn func(T), wait time.Duration, c clock.Clock) *Debounced[T] {
	wait = positive(wait)
	return &Debounced[T]{fn: fn, wait: wait, clock: clock.OrReal(c)}
}

// Call запоминает arg и перезапускает окно ожидания.
func (d *Debounced[T]) Call(arg T) {
	d.mu.Lock()
	d.gen++
	gen := d.gen
	d.args = arg
	d.pending = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.wait, func() { d.fire(gen, arg) })
	d.mu.Unlock()
}

func (d *Debounced[T]) fire(gen uint64, arg T) {
	d.mu.Lock()
	if gen != d.gen || !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	var zero T
	d.args = zero
	d.mu.Unlock()

	d.fn(arg)
}

// Cancel сбрасывает отложенный вызов.
func (d *Debounced[T]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	d.pending = false
	var zero T
	d.args = zero
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Flush немедленно выполняет отложенный вызов, если он есть. Возвращает true,
// если вызов был. Используется при остановке, чтобы не потерять последнее значение.
func (d *Debounced[T]) Flush() bool {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return false
	}
	arg := d.args
	d.gen++
	d.pending = false
	var zero T
	d.args = zero
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	d.fn(arg)
	return true
}

// Pending сообщает, ждёт ли вызов своего окна.
func (d *Debounced[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// positive заменяет неположительную паузу минимальной: таймеры заводятся
// под мьютексом, и мгновенный синхронный колбэк взял бы его повторно.
func positive(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Nanosecond
	}
	return d
}
