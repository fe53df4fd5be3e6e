// Package retry: повтор сетевых операций с экспоненциальной паузой.
//
// Executor выполняет операцию до MaxAttempts раз. После каждой неудачи ошибка
// классифицируется одной плоской конструкцией:
//   - StopRetryer со StopRetry()==true или отменённый внешний контекст: сразу *Error;
//   - не подходит под RetryablePatterns/RetryIf: сразу *Error;
//   - попытки исчерпаны: *Error с последней ошибкой;
//   - иначе OnRetry, пауза (серверная из WaitExtractor либо backoff) и новая попытка.
//
// Manager добавляет к этому учёт повторов по ключу между независимыми вызовами.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"telegram-chatsync/internal/infra/clock"
	"telegram-chatsync/internal/infra/logger"
	"telegram-chatsync/internal/infra/metrics"

	"go.uber.org/zap"
)

// Executor хранит умолчания, часы и источник случайности. Потокобезопасен:
// после New состояние не меняется.
type Executor struct {
	defaults Options
	clock    clock.Clock

	randMu sync.Mutex
	random func() float64
}

// ExecutorOption настраивает Executor при создании.
type ExecutorOption func(*Executor)

// WithClock подменяет часы (для тестов, clock.Fake).
func WithClock(c clock.Clock) ExecutorOption {
	return func(e *Executor) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithRandom подменяет источник [0,1) для джиттера.
func WithRandom(fn func() float64) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.random = fn
		}
	}
}

// NewExecutor создаёт исполнитель с заданными умолчаниями.
func NewExecutor(defaults Options, opts ...ExecutorOption) *Executor {
	e := &Executor{
		defaults: defaults,
		clock:    clock.Real(),
		random:   rand.Float64, // #nosec G404
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Clock возвращает часы исполнителя.
func (e *Executor) Clock() clock.Clock { return e.clock }

// resolve сливает умолчания с переопределениями и нормализует значения.
func (e *Executor) resolve(opts []Option) Options {
	o := e.defaults
	o.RetryablePatterns = append([]string(nil), e.defaults.RetryablePatterns...)
	o.WaitExtractors = append([]WaitExtractor(nil), e.defaults.WaitExtractors...)
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.Name == "" {
		o.Name = "op"
	}
	return o
}

func (e *Executor) rand() float64 {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return e.random()
}

// Do выполняет op с повторами. nil при успехе, иначе *Error.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error, opts ...Option) error {
	return e.run(ctx, op, e.resolve(opts))
}

// Value: Do для операций с результатом.
func Value[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var out T
	err := e.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	return out, err
}

func (e *Executor) run(ctx context.Context, op func(ctx context.Context) error, o Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	policy := o.policy()

	for attempt := 1; ; attempt++ {
		err := call(ctx, op)
		if err == nil {
			return nil
		}

		fail := func(msg string, cause error) error {
			metrics.RetryGiveUps.WithLabelValues(o.Name).Inc()
			logger.Debug("retry: giving up",
				zap.String("op", o.Name), zap.Int("attempts", attempt), zap.String("reason", msg), zap.Error(err))
			return &Error{Message: msg, Attempts: attempt, Last: err, cause: cause}
		}

		var stopper StopRetryer
		switch {
		case errors.As(err, &stopper) && stopper.StopRetry():
			return fail("permanent error", nil)
		case ctx.Err() != nil:
			return fail("context done", ctx.Err())
		case !o.matches(err):
			return fail("non-retryable error", nil)
		case attempt >= o.MaxAttempts:
			return fail("retry attempts exhausted", nil)
		}

		delay, fromServer := o.serverWait(err)
		if !fromServer {
			delay = policy.Delay(attempt, e.rand)
		}

		metrics.RetryAttempts.WithLabelValues(o.Name).Inc()
		logger.Debug("retry: scheduling",
			zap.String("op", o.Name), zap.Int("attempt", attempt),
			zap.Duration("delay", delay), zap.Bool("server_wait", fromServer), zap.Error(err))
		if o.OnRetry != nil {
			o.OnRetry(attempt, err)
		}

		if werr := sleep(ctx, e.clock, delay); werr != nil {
			return fail("context done", werr)
		}
	}
}

// call исполняет op и превращает панику в *PanicError.
func call(ctx context.Context, op func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return op(ctx)
}

// sleep ждёт d с учётом отмены ctx.
func sleep(ctx context.Context, c clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
