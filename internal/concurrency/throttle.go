package concurrency

import (
	"sync"
	"time"

	"telegram-chatsync/internal/infra/clock"
)

// ThrottleOptions выбирает фронты срабатывания.
type ThrottleOptions struct {
	Leading  bool // вызвать сразу на первом Call окна
	Trailing bool // вызвать в конце окна с последними аргументами
}

// Throttled пропускает fn не чаще одного раза за wait.
//
// Первый Call открывает окно. С Leading он исполняется синхронно. Вызовы
// внутри окна лишь запоминают аргументы; с Trailing в конце окна fn получает
// последние из них, и сразу открывается новое окно, так что соседние вызовы
// никогда не ближе wait друг к другу.
type Throttled[T any] struct {
	fn    func(T)
	wait  time.Duration
	opts  ThrottleOptions
	clock clock.Clock

	mu          sync.Mutex
	timer       *clock.Timer // != nil, пока окно открыто
	gen         uint64
	hasTrailing bool
	trailing    T
}

// NewThrottle создаёт throttle-обёртку. Если оба фронта выключены, включается Leading.
func NewThrottle[T any](fn func(T), wait time.Duration, opts ThrottleOptions, c clock.Clock) *Throttled[T] {
	if !opts.Leading && !opts.Trailing {
		opts.Leading = true
	}
	return &Throttled[T]{fn: fn, wait: positive(wait), opts: opts, clock: clock.OrReal(c)}
}

// Call передаёт arg в throttle.
func (t *Throttled[T]) Call(arg T) {
	t.mu.Lock()
	if t.timer != nil {
		if t.opts.Trailing {
			t.trailing = arg
			t.hasTrailing = true
		}
		t.mu.Unlock()
		return
	}

	t.openWindowLocked()
	if !t.opts.Leading {
		t.trailing = arg
		t.hasTrailing = true
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.fn(arg)
}

// openWindowLocked заводит таймер конца окна текущего поколения.
func (t *Throttled[T]) openWindowLocked() {
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.wait, func() { t.windowEnd(gen) })
}

func (t *Throttled[T]) windowEnd(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	if !t.hasTrailing {
		t.timer = nil
		t.mu.Unlock()
		return
	}
	arg := t.trailing
	var zero T
	t.trailing = zero
	t.hasTrailing = false
	t.openWindowLocked()
	t.mu.Unlock()

	t.fn(arg)
}

// Cancel сбрасывает отложенный trailing-вызов и закрывает окно:
// следующий Call снова считается первым.
func (t *Throttled[T]) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.hasTrailing = false
	var zero T
	t.trailing = zero
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Pending сообщает, ожидается ли trailing-вызов.
func (t *Throttled[T]) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasTrailing
}
