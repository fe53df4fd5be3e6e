// Package throttle: токен-бакет для исходящих действий (отправка сообщений
// и т.п.). Пополнение ленивое: при каждом обращении бакет досчитывает
// floor(elapsed/refillInterval·refillRate) токенов, фоновых горутин нет.
// Отметка lastRefill сдвигается ровно на время, «превращённое» в токены,
// поэтому дробные остатки не теряются; полный бакет прижимает её к now.
package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"telegram-chatsync/internal/infra/clock"
	"telegram-chatsync/internal/infra/metrics"
)

// ErrCostExceedsCapacity: запрошенная стоимость больше ёмкости бакета,
// ожидание никогда бы не закончилось.
var ErrCostExceedsCapacity = errors.New("throttle: cost exceeds bucket capacity")

// minPoll: нижняя граница шага опроса WaitAndConsume.
const minPoll = time.Millisecond

// RateLimiter: потокобезопасный токен-бакет. Инвариант: 0 <= tokens <= maxTokens.
type RateLimiter struct {
	mu             sync.Mutex
	tokens         int
	maxTokens      int
	refillRate     int
	refillInterval time.Duration
	lastRefill     time.Time
	clock          clock.Clock
}

// Option настраивает RateLimiter.
type Option func(*RateLimiter)

// WithClock подменяет часы.
func WithClock(c clock.Clock) Option {
	return func(l *RateLimiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// NewRateLimiter создаёт полный бакет на maxTokens токенов, пополняемый на
// refillRate токенов за refillInterval. Невалидные значения приводятся к 1/1/1с.
func NewRateLimiter(maxTokens, refillRate int, refillInterval time.Duration, opts ...Option) *RateLimiter {
	if maxTokens < 1 {
		maxTokens = 1
	}
	if refillRate < 1 {
		refillRate = 1
	}
	if refillInterval <= 0 {
		refillInterval = time.Second
	}
	l := &RateLimiter{
		tokens:         maxTokens,
		maxTokens:      maxTokens,
		refillRate:     refillRate,
		refillInterval: refillInterval,
		clock:          clock.Real(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.lastRefill = l.clock.Now()
	return l
}

// refillLocked досчитывает токены, накопленные с lastRefill.
func (l *RateLimiter) refillLocked() {
	now := l.clock.Now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	added := int(int64(elapsed) * int64(l.refillRate) / int64(l.refillInterval))
	if added <= 0 {
		return
	}
	if l.tokens+added >= l.maxTokens {
		l.tokens = l.maxTokens
		l.lastRefill = now
		return
	}
	l.tokens += added
	l.lastRefill = l.lastRefill.Add(time.Duration(int64(added) * int64(l.refillInterval) / int64(l.refillRate)))
}

// CanProceed сообщает, хватает ли токенов на cost, ничего не списывая.
// cost меньше 1 считается за 1.
func (l *RateLimiter) CanProceed(cost int) bool {
	cost = max(cost, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens >= cost
}

// Consume списывает cost токенов, если их хватает. Неудача не меняет состояние.
// cost меньше 1 считается за 1: бакет не пополняется списанием.
func (l *RateLimiter) Consume(cost int) bool {
	cost = max(cost, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	if l.tokens < cost {
		metrics.RateLimited.Inc()
		return false
	}
	l.tokens -= cost
	return true
}

// WaitAndConsume опрашивает бакет с шагом refillInterval/10, пока не спишет
// cost токенов. Ожидание ограничено только ctx.
func (l *RateLimiter) WaitAndConsume(ctx context.Context, cost int) error {
	if cost > l.maxTokens {
		return ErrCostExceedsCapacity
	}
	poll := l.refillInterval / 10
	if poll < minPoll {
		poll = minPoll
	}
	for {
		if l.Consume(cost) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(poll):
		}
	}
}

// Reset возвращает бакет в полное состояние.
func (l *RateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = l.maxTokens
	l.lastRefill = l.clock.Now()
}

// Tokens возвращает текущее число токенов с учётом пополнения.
func (l *RateLimiter) Tokens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens
}
