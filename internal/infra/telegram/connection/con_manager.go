// Package connection следит за состоянием MTProto-соединения.
//
// Monitor хранит признак online и «поколенческий» канал ожидания: при потере
// связи создаётся новый открытый канал и стартует цикл проб, при восстановлении
// канал закрывается и все ожидатели WaitOnline просыпаются. Подписчики Subscribe
// получают каждый переход online/offline; на этом построены состояния каналов
// комнат (Joining при разрыве, Subscribed после восстановления).
package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"telegram-chatsync/internal/infra/clock"
	"telegram-chatsync/internal/infra/logger"

	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
	"github.com/gotd/td/telegram"
	"go.uber.org/zap"
)

const (
	// DefaultProbeInterval: период проб во время офлайна.
	DefaultProbeInterval = 10 * time.Second
	// DefaultProbeTimeout ограничивает одну пробу.
	DefaultProbeTimeout = 5 * time.Second
)

// Prober выполняет лёгкий RPC, требующий полностью готового соединения.
type Prober func(ctx context.Context) error

// SelfProber проверяет соединение вызовом users.getFullUser(self). Пинг может
// пройти до готовности API, а Self нет.
func SelfProber(client *telegram.Client) Prober {
	return func(ctx context.Context) error {
		if client == nil {
			return net.ErrClosed
		}
		_, err := client.Self(ctx)
		return err
	}
}

// Option настраивает Monitor.
type Option func(*Monitor)

// WithClock подменяет источник времени.
func WithClock(c clock.Clock) Option { return func(m *Monitor) { m.clock = clock.OrReal(c) } }

// WithProbeInterval задаёт период проб.
func WithProbeInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithProbeTimeout задаёт таймаут одной пробы.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// Monitor: состояние соединения. Потокобезопасен; нулевое значение не годится,
// используйте NewMonitor.
type Monitor struct {
	probe    Prober
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration

	mu            sync.Mutex
	ctx           context.Context
	online        bool
	waitCh        chan struct{} // закрыт, пока online
	monitorCancel context.CancelFunc
	subs          map[int]func(online bool)
	nextSub       int
	stopped       bool
	wg            sync.WaitGroup
}

// NewMonitor создаёт монитор в состоянии online.
func NewMonitor(probe Prober, opts ...Option) *Monitor {
	ready := make(chan struct{})
	close(ready)
	m := &Monitor{
		probe:    probe,
		clock:    clock.Real(),
		interval: DefaultProbeInterval,
		timeout:  DefaultProbeTimeout,
		ctx:      context.Background(),
		online:   true,
		waitCh:   ready,
		subs:     make(map[int]func(bool)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start привязывает циклы проб к ctx.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
}

// Online сообщает текущее состояние.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe регистрирует обработчик переходов. fn вызывается вне блокировок,
// в горутине, совершившей переход. Возвращает функцию отписки.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) subscribersLocked() []func(bool) {
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	return fns
}

// MarkConnected переводит монитор в online и будит ожидателей. Идемпотентен.
func (m *Monitor) MarkConnected() {
	m.mu.Lock()
	if m.online || m.stopped {
		m.mu.Unlock()
		return
	}
	m.online = true
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
	close(m.waitCh)
	fns := m.subscribersLocked()
	m.mu.Unlock()

	logger.Info("connection: restored")
	for _, fn := range fns {
		fn(true)
	}
}

// MarkDisconnected переводит монитор в offline, открывает новое поколение канала
// ожидания и запускает цикл проб. Идемпотентен.
func (m *Monitor) MarkDisconnected() {
	m.mu.Lock()
	if !m.online || m.stopped {
		m.mu.Unlock()
		return
	}
	m.online = false
	m.waitCh = make(chan struct{})
	probeCtx, cancel := context.WithCancel(m.ctx)
	m.monitorCancel = cancel
	fns := m.subscribersLocked()
	m.wg.Go(func() { m.probeLoop(probeCtx) })
	m.mu.Unlock()

	logger.Warn("connection: lost, probing")
	for _, fn := range fns {
		fn(false)
	}
}

// WaitOnline блокирует до восстановления связи или отмены ctx.
func (m *Monitor) WaitOnline(ctx context.Context) error {
	for {
		m.mu.Lock()
		ch := m.waitCh
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			m.mu.Lock()
			current := m.waitCh == ch
			m.mu.Unlock()
			if current {
				return nil
			}
		}
	}
}

// HandleError переводит монитор в offline, если err похожа на разрыв.
func (m *Monitor) HandleError(err error) bool {
	if !IsNetworkError(err) {
		return false
	}
	m.MarkDisconnected()
	return true
}

// Stop гасит цикл проб и будит всех ожидателей.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
	select {
	case <-m.waitCh:
	default:
		close(m.waitCh)
	}
	clear(m.subs)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) probeLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		started := m.clock.Now()
		err := m.safeProbe(ctx)
		if err == nil {
			logger.Debug("connection: probe ok", zap.Int("attempt", attempt))
			m.MarkConnected()
			return
		}
		fields := []zap.Field{
			zap.Int("attempt", attempt),
			zap.Duration("took", m.clock.Now().Sub(started)),
			zap.Error(err),
		}
		if IsNetworkError(err) {
			logger.Debug("connection: probe failed", fields...)
		} else {
			logger.Error("connection: probe failed", fields...)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// safeProbe превращает панику клиента в net.ErrClosed.
func (m *Monitor) safeProbe(ctx context.Context) (err error) {
	if m.probe == nil {
		return net.ErrClosed
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("connection: probe panic recovered", zap.Any("panic", r))
			err = net.ErrClosed
		}
	}()
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.probe(probeCtx)
}

// IsNetworkError сообщает, похожа ли ошибка на разрыв соединения: мёртвый пул
// или движок, исчерпанные ретраи RPC, дедлайн, EOF, net.Error. Отмена
// контекста сетевой ошибкой не считается.
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pool.ErrConnDead) || errors.Is(err, rpc.ErrEngineClosed) {
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
