package retry

import (
	"context"
	"sync"
	"time"

	"telegram-chatsync/internal/infra/clock"
	"telegram-chatsync/internal/infra/logger"

	"go.uber.org/zap"
)

// DefaultQuietWindow: после такого затишья счётчик ключа начинается заново.
const DefaultQuietWindow = 60 * time.Second

type attemptRecord struct {
	count int
	last  time.Time
}

// Manager ведёт счётчик повторных вызовов по ключу (например, «join:<room>»)
// поверх Executor. Вызов с count > 1 предваряется паузой Delay(count-1),
// успех удаляет ключ. Карта принадлежит экземпляру и создаётся в конструкторе.
type Manager struct {
	exec  *Executor
	clock clock.Clock
	quiet time.Duration

	mu      sync.Mutex
	records map[string]*attemptRecord
}

// ManagerOption настраивает Manager.
type ManagerOption func(*Manager)

// WithQuietWindow задаёт окно затишья; значения <= 0 игнорируются.
func WithQuietWindow(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.quiet = d
		}
	}
}

// NewManager создаёт менеджер поверх exec; часы берутся у исполнителя.
func NewManager(exec *Executor, opts ...ManagerOption) *Manager {
	if exec == nil {
		exec = NewExecutor(DefaultOptions)
	}
	m := &Manager{
		exec:    exec,
		clock:   exec.Clock(),
		quiet:   DefaultQuietWindow,
		records: make(map[string]*attemptRecord),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Execute выполняет op под ключом key.
func (m *Manager) Execute(ctx context.Context, key string, op func(ctx context.Context) error, opts ...Option) error {
	if ctx == nil {
		ctx = context.Background()
	}
	o := m.exec.resolve(opts)
	count := m.touch(key)

	if count > 1 {
		delay := o.policy().Delay(count-1, m.exec.rand)
		logger.Debug("retry manager: delaying repeated call",
			zap.String("key", key), zap.Int("count", count), zap.Duration("delay", delay))
		if err := sleep(ctx, m.clock, delay); err != nil {
			return &Error{Message: "context done", Attempts: 0, cause: err}
		}
	}

	if err := m.exec.run(ctx, op, o); err != nil {
		return err
	}
	m.Reset(key)
	return nil
}

// ManagedValue: Execute для операций с результатом.
func ManagedValue[T any](ctx context.Context, m *Manager, key string, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var out T
	err := m.Execute(ctx, key, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	return out, err
}

// touch увеличивает счётчик ключа либо начинает его заново после затишья.
func (m *Manager) touch(key string) int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok || now.Sub(rec.last) > m.quiet {
		rec = &attemptRecord{}
		m.records[key] = rec
	}
	rec.count++
	rec.last = now
	return rec.count
}

// Reset сбрасывает перечисленные ключи, без аргументов сбрасывает все.
func (m *Manager) Reset(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(keys) == 0 {
		clear(m.records)
		return
	}
	for _, k := range keys {
		delete(m.records, k)
	}
}

// Attempts возвращает текущий счётчик ключа; устаревшая запись считается нулём.
func (m *Manager) Attempts(key string) int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok || now.Sub(rec.last) > m.quiet {
		return 0
	}
	return rec.count
}
