// Package lifecycle поднимает подсистемы приложения в порядке зависимостей
// и гасит их в обратном порядке. Каждая подсистема получает собственный
// контекст, производный от корневого; при остановке он отменяется до вызова
// StopFunc.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"telegram-chatsync/internal/infra/logger"

	"go.uber.org/zap"
)

// StartFunc запускает подсистему. ctx живёт до её остановки.
type StartFunc func(ctx context.Context) error

// StopFunc останавливает подсистему. Контекст подсистемы к этому моменту отменён,
// ctx ограничивает время остановки.
type StopFunc func(ctx context.Context) error

type state int

const (
	stateRegistered state = iota
	stateRunning
	stateStopped
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateRegistered:
		return "registered"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type unit struct {
	name   string
	deps   []string
	start  StartFunc
	stop   StopFunc
	cancel context.CancelFunc
	state  state
	err    error
}

// Manager хранит граф подсистем. Потокобезопасен.
type Manager struct {
	mu      sync.Mutex
	units   map[string]*unit
	order   []string // фактический порядок запуска
	started bool
}

// New создаёт пустой менеджер.
func New() *Manager {
	return &Manager{units: make(map[string]*unit)}
}

// Register добавляет подсистему. deps должны быть зарегистрированы к моменту Start.
func (m *Manager) Register(name string, deps []string, start StartFunc, stop StopFunc) error {
	if name == "" {
		return errors.New("lifecycle: empty unit name")
	}
	if slices.Contains(deps, name) {
		return fmt.Errorf("lifecycle: unit %q depends on itself", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("lifecycle: register %q after start", name)
	}
	if _, ok := m.units[name]; ok {
		return fmt.Errorf("lifecycle: unit %q already registered", name)
	}
	d := slices.Clone(deps)
	slices.Sort(d)
	m.units[name] = &unit{name: name, deps: slices.Compact(d), start: start, stop: stop}
	return nil
}

// plan строит порядок запуска: зависимости раньше зависимых, при равенстве по имени.
func (m *Manager) plan() ([]string, error) {
	indegree := make(map[string]int, len(m.units))
	dependents := make(map[string][]string, len(m.units))
	for name, u := range m.units {
		indegree[name] += 0
		for _, dep := range u.deps {
			if _, ok := m.units[dep]; !ok {
				return nil, fmt.Errorf("lifecycle: unit %q depends on unknown %q", name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	order := make([]string, 0, len(m.units))
	for len(ready) > 0 {
		slices.Sort(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != len(m.units) {
		return nil, errors.New("lifecycle: dependency cycle detected")
	}
	return order, nil
}

// Start запускает все подсистемы. При первой ошибке уже запущенные
// подсистемы останавливаются, ошибка возвращается.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("lifecycle: already started")
	}
	m.started = true
	order, err := m.plan()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	for _, name := range order {
		m.mu.Lock()
		u := m.units[name]
		m.mu.Unlock()

		unitCtx, cancel := context.WithCancel(ctx)
		logger.Debug("lifecycle: starting unit", zap.String("unit", name))
		if u.start != nil {
			if err := u.start(unitCtx); err != nil {
				cancel()
				m.mu.Lock()
				u.state, u.err = stateFailed, err
				m.mu.Unlock()
				logger.Error("lifecycle: unit failed to start", zap.String("unit", name), zap.Error(err))
				return errors.Join(fmt.Errorf("lifecycle: start %q: %w", name, err), m.Shutdown(context.WithoutCancel(ctx)))
			}
		}

		m.mu.Lock()
		u.cancel = cancel
		u.state = stateRunning
		m.order = append(m.order, name)
		m.mu.Unlock()
	}
	logger.Debug("lifecycle: start order", zap.Strings("order", order))
	return nil
}

// Shutdown останавливает запущенные подсистемы в обратном порядке.
// Повторный вызов безопасен.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	order := slices.Clone(m.order)
	m.order = nil
	m.mu.Unlock()

	var errs error
	for _, name := range slices.Backward(order) {
		if err := m.stopUnit(ctx, name); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func (m *Manager) stopUnit(ctx context.Context, name string) error {
	m.mu.Lock()
	u := m.units[name]
	if u.state != stateRunning {
		m.mu.Unlock()
		return nil
	}
	cancel, stop := u.cancel, u.stop
	m.mu.Unlock()

	cancel()
	var err error
	if stop != nil {
		err = stop(ctx)
	}

	m.mu.Lock()
	if err != nil {
		u.state, u.err = stateFailed, err
	} else {
		u.state = stateStopped
	}
	m.mu.Unlock()

	if err != nil {
		logger.Error("lifecycle: unit stopped with error", zap.String("unit", name), zap.Error(err))
		return fmt.Errorf("lifecycle: stop %q: %w", name, err)
	}
	logger.Debug("lifecycle: unit stopped", zap.String("unit", name))
	return nil
}

// State возвращает состояние подсистемы в виде строки ("" для неизвестной).
func (m *Manager) State(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.units[name]; ok {
		return u.state.String()
	}
	return ""
}
