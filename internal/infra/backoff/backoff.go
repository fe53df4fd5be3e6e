// Package backoff вычисляет задержки между повторными попытками:
// экспонента base·2^(attempt-1) с потолком max и опциональным джиттером
// из диапазона [0.5..1.0] от расчётного значения.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// jitterFloor: нижняя граница множителя джиттера; верхняя равна 1.
const jitterFloor = 0.5

// Policy описывает экспоненциальную политику задержек.
type Policy struct {
	Base   time.Duration // задержка перед второй попыткой
	Max    time.Duration // потолок задержки; 0: без ограничения
	Jitter bool          // масштабировать ли задержку случайным множителем
}

// Exponential возвращает min(base·2^(attempt-1), max) без джиттера.
// attempt считается с единицы; значения меньше единицы приводятся к ней.
// Переполнение сдвига обрезается потолком.
func Exponential(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		if max > 0 && d >= max {
			return max
		}
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Delay возвращает задержку после неудачной попытки attempt.
// random должен отдавать значения из [0,1); nil означает math/rand/v2.
func (p Policy) Delay(attempt int, random func() float64) time.Duration {
	d := Exponential(attempt, p.Base, p.Max)
	if !p.Jitter || d <= 0 {
		return d
	}
	if random == nil {
		random = rand.Float64 // #nosec G404 -- джиттер не требует криптостойкости
	}
	factor := jitterFloor + (1-jitterFloor)*random()
	return time.Duration(float64(d) * factor)
}
