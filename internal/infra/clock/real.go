package clock

import "time"

type realClock struct{}

// Real возвращает Clock поверх стандартного пакета time.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop, reset: t.Reset}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// OrReal возвращает c либо Real(), если c == nil. Удобно для опций конструкторов.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}
