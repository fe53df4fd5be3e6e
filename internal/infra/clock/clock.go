// Package clock абстрагирует работу со временем для компонентов с таймерами.
// Прод-код получает Real(), тесты: NewFake() с ручным продвижением времени.
// Все таймерные примитивы модуля (ретраи, лимитер, батчер, throttle/debounce,
// контроллер комнат) принимают Clock, поэтому тесты никогда не спят реально.
package clock

import "time"

// Clock: минимальный набор операций пакета time, нужный модулю.
type Clock interface {
	// Now возвращает текущее время.
	Now() time.Time
	// After возвращает канал, в который придёт время по истечении d.
	// При d <= 0 значение доступно сразу.
	After(d time.Duration) <-chan time.Time
	// AfterFunc вызывает f через d. Возвращённый Timer позволяет отменить вызов.
	AfterFunc(d time.Duration, f func()) *Timer
	// NewTicker создаёт периодический тикер. d должен быть положительным.
	NewTicker(d time.Duration) *Ticker
	// Sleep блокирует горутину минимум на d.
	Sleep(d time.Duration)
}

// Timer: отложенный вызов, созданный AfterFunc.
type Timer struct {
	stop  func() bool
	reset func(time.Duration) bool
}

// Stop отменяет вызов. Возвращает true, если таймер ещё не сработал.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Reset перезапускает таймер с новым интервалом. Возвращает true,
// если таймер был активен до перезапуска.
func (t *Timer) Reset(d time.Duration) bool {
	if t == nil || t.reset == nil {
		return false
	}
	return t.reset(d)
}

// Ticker: периодический источник тиков. Канал C буферизован на один тик,
// отстающий потребитель теряет лишние тики, как у time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop выключает тикер. Канал C не закрывается.
func (t *Ticker) Stop() {
	if t != nil && t.stop != nil {
		t.stop()
	}
}
