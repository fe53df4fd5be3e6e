package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake: детерминированные часы для тестов. Время стоит на месте, пока
// тест не вызовет Advance. Колбэки AfterFunc исполняются синхронно внутри
// Advance в порядке дедлайнов; из колбэка можно заводить новые таймеры,
// но нельзя вызывать Advance или Sleep.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

// waiter описывает отложенное событие: канал (After/Sleep/Ticker) или колбэк (AfterFunc).
type waiter struct {
	deadline time.Time
	ch       chan time.Time
	fn       func()
	every    time.Duration // > 0 только у тикеров
}

// NewFake создаёт часы, показывающие start.
func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// Now возвращает текущее фиктивное время.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After регистрирует ожидание на d. При d <= 0 канал заполняется сразу.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.addLocked(&waiter{deadline: f.now.Add(d), ch: ch})
	return ch
}

// AfterFunc планирует fn через d. При d <= 0 fn выполняется синхронно.
func (f *Fake) AfterFunc(d time.Duration, fn func()) *Timer {
	w := &waiter{fn: fn}
	f.mu.Lock()
	if d <= 0 {
		f.mu.Unlock()
		fn()
		return &Timer{
			stop: func() bool { return false },
			reset: func(d time.Duration) bool {
				f.mu.Lock()
				defer f.mu.Unlock()
				w.deadline = f.now.Add(d)
				f.addLocked(w)
				return false
			},
		}
	}
	w.deadline = f.now.Add(d)
	f.addLocked(w)
	f.mu.Unlock()

	return &Timer{
		stop: func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.removeLocked(w)
		},
		reset: func(d time.Duration) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			active := f.removeLocked(w)
			w.deadline = f.now.Add(d)
			f.addLocked(w)
			return active
		},
	}
}

// NewTicker создаёт тикер с периодом d.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	ch := make(chan time.Time, 1)
	w := &waiter{ch: ch, every: d}
	f.mu.Lock()
	w.deadline = f.now.Add(d)
	f.addLocked(w)
	f.mu.Unlock()
	return &Ticker{C: ch, stop: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.removeLocked(w)
	}}
}

// Sleep блокирует до тех пор, пока часы не продвинут на d.
func (f *Fake) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// Advance сдвигает время на d и срабатывает всё, чей дедлайн наступил.
// Тикер, перекрытый несколькими периодами, срабатывает по разу на период;
// лишние тики теряются на заполненном буфере.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.fn != nil {
				w.fn()
				continue
			}
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

// takeDue извлекает созревшие ожидания и перепланирует тикеры.
func (f *Fake) takeDue(target time.Time) []*waiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due, rest []*waiter
	for _, w := range f.waiters {
		if w.deadline.After(target) {
			rest = append(rest, w)
			continue
		}
		due = append(due, w)
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, w := range due {
		if w.every > 0 {
			w.deadline = w.deadline.Add(w.every)
			rest = append(rest, w)
		}
	}
	f.waiters = rest
	return due
}

// WaitForTimers блокирует, пока не будет зарегистрировано минимум n ожиданий.
// Снимает гонку между горутиной, заводящей таймер, и тестом, двигающим время.
func (f *Fake) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.waiters) < n {
		f.changed.Wait()
	}
}

// PendingCount возвращает число активных ожиданий.
func (f *Fake) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

func (f *Fake) addLocked(w *waiter) {
	f.waiters = append(f.waiters, w)
	f.changed.Broadcast()
}

// removeLocked убирает w из очереди; возвращает true, если он там был.
func (f *Fake) removeLocked(w *waiter) bool {
	for i, it := range f.waiters {
		if it == w {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			return true
		}
	}
	return false
}
