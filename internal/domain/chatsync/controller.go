// Package chatsync синхронизирует комнаты чата: подписка на realtime-канал,
// начальное окно истории, листание назад без дыр и повторов, переподключения.
//
// Жизненный цикл комнаты: RegisterListener → Join → (события) → Leave.
// Слушатель обязан быть зарегистрирован до Join: подтверждение подписки
// синхронно запускает загрузку начального окна, и её результат должен
// кому-то достаться. Без слушателя Join возвращает ErrNoListener.
//
// Состояния: Idle → Joining → Subscribed → (Idle после Leave | Error при сбое
// входа или начального окна). Каждый вход в комнату получает новое
// поколение; обратные вызовы канала и ответы сети от прошлого поколения
// отбрасываются.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"telegram-chatsync/internal/concurrency"
	"telegram-chatsync/internal/infra/clock"
	"telegram-chatsync/internal/infra/logger"
	"telegram-chatsync/internal/infra/metrics"
	"telegram-chatsync/internal/infra/retry"
	"telegram-chatsync/internal/infra/throttle"

	"go.uber.org/zap"
)

var (
	// ErrNoListener: Join/LoadOlder для комнаты без зарегистрированного слушателя.
	ErrNoListener = errors.New("chatsync: no listener registered for room")
	// ErrNotSubscribed: операция требует подтверждённой подписки.
	ErrNotSubscribed = errors.New("chatsync: room is not subscribed")
	// ErrUnsupported: не настроен нужный порт (Sender, ReadMarker, Typer).
	ErrUnsupported = errors.New("chatsync: operation is not configured")
	// ErrStopped: контроллер остановлен.
	ErrStopped = errors.New("chatsync: controller stopped")
)

const (
	DefaultInitialWindow  = 20
	DefaultPageSize       = 20
	DefaultReadBatchSize  = 20
	DefaultReadBatchWait  = 2 * time.Second
	DefaultTypingInterval = 5 * time.Second
	DefaultSnapshotDelay  = 3 * time.Second
	DefaultSnapshotLimit  = 100

	// maxResyncPages ограничивает досылку после переподключения.
	maxResyncPages = 10
	typingTimeout  = 10 * time.Second
)

// Options: зависимости и параметры контроллера. Channel и Fetcher обязательны,
// остальные порты включают соответствующие операции.
type Options struct {
	Channel    Channel
	Fetcher    PageFetcher
	Sender     Sender
	ReadMarker ReadMarker
	Typer      Typer
	Store      SnapshotStore

	// Retry оборачивает загрузку страниц, отправку и отметки о прочтении.
	Retry *retry.Executor
	// Joins оборачивает вход в канал; ключ имеет вид "join:<room>".
	Joins *retry.Manager
	// RetryOptions добавляются к каждому сетевому вызову (классификатор, FLOOD_WAIT).
	RetryOptions []retry.Option
	// Limiter ограничивает исходящие сообщения; nil снимает ограничение.
	Limiter *throttle.RateLimiter

	InitialWindow int
	PageSize      int

	ReadBatchSize     int
	ReadBatchWait     time.Duration
	ReadBatchDebounce bool

	TypingInterval time.Duration

	SnapshotDelay time.Duration
	SnapshotLimit int

	Clock clock.Clock
}

func (o *Options) normalize() {
	o.Clock = clock.OrReal(o.Clock)
	if o.Retry == nil {
		o.Retry = retry.NewExecutor(retry.DefaultOptions, retry.WithClock(o.Clock))
	}
	if o.Joins == nil {
		o.Joins = retry.NewManager(o.Retry)
	}
	if o.InitialWindow < 1 {
		o.InitialWindow = DefaultInitialWindow
	}
	if o.PageSize < 1 {
		o.PageSize = DefaultPageSize
	}
	if o.ReadBatchSize < 1 {
		o.ReadBatchSize = DefaultReadBatchSize
	}
	if o.ReadBatchWait <= 0 {
		o.ReadBatchWait = DefaultReadBatchWait
	}
	if o.TypingInterval <= 0 {
		o.TypingInterval = DefaultTypingInterval
	}
	if o.SnapshotDelay <= 0 {
		o.SnapshotDelay = DefaultSnapshotDelay
	}
	if o.SnapshotLimit < 1 {
		o.SnapshotLimit = DefaultSnapshotLimit
	}
}

// ReadReceipt: отметка «прочитано до MaxID» для пакетной отправки.
type ReadReceipt struct {
	Room  string
	MaxID int64
}

// RoomStatus: снимок состояния комнаты для UI и диагностики.
type RoomStatus struct {
	Room          string
	State         State
	Err           error
	HasMoreOlder  bool
	LoadingOlder  bool
	InitialLoaded bool
	Messages      int
	Cursor        Cursor
}

type room struct {
	name     string
	listener Listener
	gen      uint64

	state         State
	lastErr       error
	cursor        Cursor
	hasMoreOlder  bool
	loadingOlder  bool // идёт загрузка назад, включая начальное окно
	initialLoaded bool
	resyncing     bool
	view          *view

	typing *concurrency.Throttled[struct{}]
	saver  *concurrency.Debounced[Snapshot]
}

func (r *room) reset() {
	r.lastErr = nil
	r.cursor = Cursor{}
	r.hasMoreOlder = true
	r.loadingOlder = false
	r.initialLoaded = false
	r.resyncing = false
	r.view = newView()
}

// advanceCursor сдвигает курсор назад, если c старше текущего.
func (r *room) advanceCursor(c Cursor) {
	if r.cursor.IsZero() || c.Compare(r.cursor) < 0 {
		r.cursor = c
	}
}

func (r *room) status() RoomStatus {
	return RoomStatus{
		Room:          r.name,
		State:         r.state,
		Err:           r.lastErr,
		HasMoreOlder:  r.hasMoreOlder,
		LoadingOlder:  r.loadingOlder,
		InitialLoaded: r.initialLoaded,
		Messages:      r.view.len(),
		Cursor:        r.cursor,
	}
}

// Controller управляет комнатами. Потокобезопасен; комнаты независимы.
// Сеть и слушатели вызываются вне мьютекса.
type Controller struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	reads  *concurrency.Batcher[ReadReceipt]

	mu      sync.Mutex
	rooms   map[string]*room
	stopped bool
}

// New создаёт контроллер.
func New(opts Options) (*Controller, error) {
	if opts.Channel == nil || opts.Fetcher == nil {
		return nil, errors.New("chatsync: channel and fetcher are required")
	}
	opts.normalize()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*room),
	}
	if opts.ReadMarker != nil {
		c.reads = concurrency.NewBatcher(ctx, concurrency.BatcherOptions[ReadReceipt]{
			Name:     "read_receipts",
			MaxSize:  opts.ReadBatchSize,
			MaxWait:  opts.ReadBatchWait,
			Debounce: opts.ReadBatchDebounce,
			Flush:    c.flushReads,
			Clock:    opts.Clock,
		})
	}
	return c, nil
}

// current сообщает, что r всё ещё зарегистрирована и gen соответствует её текущему входу.
// Вызывается под c.mu.
func (c *Controller) current(r *room, gen uint64) bool {
	return c.rooms[r.name] == r && r.gen == gen
}

// RegisterListener назначает слушателя комнаты. Повторная регистрация
// заменяет слушателя, не трогая подписку.
func (c *Controller) RegisterListener(name string, l Listener) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("chatsync: empty room")
	}
	if l == nil {
		return errors.New("chatsync: nil listener")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if r, ok := c.rooms[name]; ok {
		r.listener = l
		return nil
	}

	r := &room{name: name, listener: l, state: Idle}
	r.reset()
	if c.opts.Typer != nil {
		r.typing = concurrency.NewThrottle(func(struct{}) { c.sendTyping(name) },
			c.opts.TypingInterval, concurrency.ThrottleOptions{Leading: true, Trailing: true}, c.opts.Clock)
	}
	if c.opts.Store != nil {
		r.saver = concurrency.NewDebounce(c.saveSnapshot, c.opts.SnapshotDelay, c.opts.Clock)
	}
	c.rooms[name] = r
	metrics.ActiveRooms.Set(float64(len(c.rooms)))
	return nil
}

// Join входит в комнату: Idle/Error → Joining, затем канал подтверждает
// подписку. Для Joining/Subscribed: no-op. Ошибка входа переводит комнату в
// Error, доставляется слушателю и возвращается вызывающему. Так же
// возвращается ошибка начального окна, если канал подтвердил подписку до
// возврата из Join.
func (c *Controller) Join(ctx context.Context, name string) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	r := c.rooms[name]
	if r == nil || r.listener == nil {
		c.mu.Unlock()
		return fmt.Errorf("join %q: %w", name, ErrNoListener)
	}
	if r.state == Joining || r.state == Subscribed {
		c.mu.Unlock()
		return nil
	}
	r.gen++
	gen := r.gen
	r.reset()
	r.state = Joining
	listener := r.listener
	c.mu.Unlock()

	logger.Debug("chatsync: joining room", zap.String("room", name), zap.Uint64("gen", gen))
	c.deliver(listener, Event{Room: name, Kind: EventState, State: Joining, HasMoreOlder: true})
	c.restoreSnapshot(r, gen)

	sub := &subscriber{c: c, r: r, gen: gen}
	err := c.opts.Joins.Execute(ctx, "join:"+name, func(ctx context.Context) error {
		return c.opts.Channel.Join(ctx, name, sub)
	}, c.netOpts("join")...)
	if err == nil {
		c.mu.Lock()
		if c.current(r, gen) && r.state == Error {
			// начальное окно не загрузилось внутри подтверждения подписки
			err = r.lastErr
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if !c.current(r, gen) {
		c.mu.Unlock()
		return err
	}
	r.state = Error
	r.lastErr = err
	listener = r.listener
	more := r.hasMoreOlder
	c.mu.Unlock()

	logger.Warn("chatsync: join failed", zap.String("room", name), zap.Error(err))
	c.deliver(listener, Event{Room: name, Kind: EventState, State: Error, Err: err, HasMoreOlder: more})
	return err
}

// LoadOlder загружает страницу старше курсора. No-op, пока идёт другая
// загрузка или когда истории больше нет. Ошибка возвращается как есть,
// hasMoreOlder при этом не меняется.
func (c *Controller) LoadOlder(ctx context.Context, name string) error {
	c.mu.Lock()
	r := c.rooms[name]
	if r == nil {
		c.mu.Unlock()
		return fmt.Errorf("load older %q: %w", name, ErrNoListener)
	}
	if r.state != Subscribed {
		c.mu.Unlock()
		return fmt.Errorf("load older %q: %w", name, ErrNotSubscribed)
	}
	if r.loadingOlder || !r.hasMoreOlder {
		c.mu.Unlock()
		return nil
	}
	r.loadingOlder = true
	gen := r.gen
	req := PageRequest{Room: name, Before: r.cursor, Limit: c.opts.PageSize}
	c.mu.Unlock()

	page, err := c.fetch(ctx, "older", req)

	c.mu.Lock()
	if !c.current(r, gen) {
		c.mu.Unlock()
		return err
	}
	r.loadingOlder = false
	if err != nil {
		c.mu.Unlock()
		logger.Warn("chatsync: load older failed", zap.String("room", name), zap.Error(err))
		return err
	}
	msgs := normalizePage(page, name)
	if len(msgs) < req.Limit {
		r.hasMoreOlder = false
	}
	if len(msgs) > 0 {
		r.advanceCursor(msgs[0].Cursor())
	}
	changed := r.view.merge(msgs, sourcePage)
	ev := Event{Room: name, Kind: EventOlder, Messages: changed, State: r.state, HasMoreOlder: r.hasMoreOlder}
	listener := r.listener
	snap := c.snapshotLocked(r)
	c.mu.Unlock()

	metrics.MessagesMerged.WithLabelValues(sourcePage.String()).Add(float64(len(changed)))
	c.deliver(listener, ev)
	c.scheduleSave(r, snap)
	return nil
}

// Leave выходит из комнаты: слушатель снимается, канал закрывается,
// состояние удаляется. Отложенный снимок сохраняется немедленно.
func (c *Controller) Leave(ctx context.Context, name string) error {
	c.mu.Lock()
	r := c.rooms[name]
	if r == nil {
		c.mu.Unlock()
		return nil
	}
	delete(c.rooms, name)
	r.gen++
	// Error после начального окна оставляет канал подписанным
	active := r.state != Idle
	r.state = Idle
	listener := r.listener
	r.listener = nil
	metrics.ActiveRooms.Set(float64(len(c.rooms)))
	c.mu.Unlock()

	if r.saver != nil {
		r.saver.Flush()
	}
	if r.typing != nil {
		r.typing.Cancel()
	}
	c.opts.Joins.Reset("join:" + name)
	c.deliver(listener, Event{Room: name, Kind: EventState, State: Idle})

	if !active {
		return nil
	}
	if err := c.opts.Channel.Leave(ctx, name); err != nil {
		logger.Warn("chatsync: channel leave failed", zap.String("room", name), zap.Error(err))
		return err
	}
	logger.Debug("chatsync: left room", zap.String("room", name))
	return nil
}

// Messages возвращает копию упорядоченного вида комнаты.
func (c *Controller) Messages(name string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.rooms[name]; r != nil {
		return r.view.snapshot(0)
	}
	return nil
}

// Status возвращает состояние комнаты.
func (c *Controller) Status(name string) (RoomStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.rooms[name]; r != nil {
		return r.status(), true
	}
	return RoomStatus{}, false
}

// Rooms возвращает состояния всех комнат по имени.
func (c *Controller) Rooms() []RoomStatus {
	c.mu.Lock()
	out := make([]RoomStatus, 0, len(c.rooms))
	for _, r := range c.rooms {
		out = append(out, r.status())
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b RoomStatus) int { return strings.Compare(a.Room, b.Room) })
	return out
}

// Stop сохраняет отложенные снимки, досылает отметки о прочтении и
// запрещает дальнейшие входы. Каналы не закрывает.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	rooms := make([]*room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	for _, r := range rooms {
		if r.saver != nil {
			r.saver.Flush()
		}
		if r.typing != nil {
			r.typing.Cancel()
		}
	}
	var err error
	if c.reads != nil {
		err = c.reads.Stop(ctx)
	}
	c.cancel()
	return err
}

// subscriber привязывает обратные вызовы канала к конкретному входу в комнату.
type subscriber struct {
	c   *Controller
	r   *room
	gen uint64
}

func (s *subscriber) OnStatus(status ChannelStatus, err error) {
	switch status {
	case ChannelJoining:
		s.c.onReconnecting(s.r, s.gen)
	case ChannelSubscribed:
		s.c.onSubscribed(s.r, s.gen)
	case ChannelError:
		s.c.onChannelError(s.r, s.gen, err)
	}
}

func (s *subscriber) OnMessage(msg Message) { s.c.applyPush(s.r, s.gen, msg) }

// onSubscribed: первое подтверждение грузит начальное окно ровно один раз,
// подтверждение после переподключения запускает досылку.
func (c *Controller) onSubscribed(r *room, gen uint64) {
	c.mu.Lock()
	if !c.current(r, gen) || r.state != Joining {
		c.mu.Unlock()
		return
	}
	r.state = Subscribed
	r.lastErr = nil
	first := !r.initialLoaded
	resync := false
	switch {
	case first:
		r.initialLoaded = true
		r.loadingOlder = true
	case !r.resyncing:
		r.resyncing = true
		resync = true
	}
	listener := r.listener
	more := r.hasMoreOlder
	c.mu.Unlock()

	c.deliver(listener, Event{Room: r.name, Kind: EventState, State: Subscribed, HasMoreOlder: more})
	switch {
	case first:
		c.loadInitial(r, gen)
	case resync:
		c.resync(r, gen)
	}
}

func (c *Controller) onReconnecting(r *room, gen uint64) {
	c.mu.Lock()
	if !c.current(r, gen) || r.state != Subscribed {
		c.mu.Unlock()
		return
	}
	r.state = Joining
	listener := r.listener
	more := r.hasMoreOlder
	c.mu.Unlock()

	logger.Debug("chatsync: channel reconnecting", zap.String("room", r.name))
	c.deliver(listener, Event{Room: r.name, Kind: EventState, State: Joining, HasMoreOlder: more})
}

func (c *Controller) onChannelError(r *room, gen uint64, err error) {
	if err == nil {
		err = errors.New("channel error")
	}
	c.mu.Lock()
	if !c.current(r, gen) || r.state == Idle || r.state == Error {
		c.mu.Unlock()
		return
	}
	r.state = Error
	r.lastErr = err
	listener := r.listener
	more := r.hasMoreOlder
	c.mu.Unlock()

	logger.Warn("chatsync: channel error", zap.String("room", r.name), zap.Error(err))
	c.deliver(listener, Event{Room: r.name, Kind: EventState, State: Error, Err: err, HasMoreOlder: more})
}

// loadInitial грузит самые новые InitialWindow сообщений. Сообщения снимка,
// которых нет в окне, убираются из вида. При ошибке комната уходит в Error:
// повторный Join начнёт вход заново.
func (c *Controller) loadInitial(r *room, gen uint64) {
	req := PageRequest{Room: r.name, Limit: c.opts.InitialWindow}
	page, err := c.fetch(c.ctx, "initial", req)

	c.mu.Lock()
	if !c.current(r, gen) {
		c.mu.Unlock()
		return
	}
	r.loadingOlder = false
	listener := r.listener
	if err != nil {
		r.initialLoaded = false
		r.state = Error
		r.lastErr = err
		ev := Event{Room: r.name, Kind: EventInitial, State: Error, Err: err, HasMoreOlder: r.hasMoreOlder}
		c.mu.Unlock()
		logger.Warn("chatsync: initial load failed", zap.String("room", r.name), zap.Error(err))
		c.deliver(listener, ev)
		c.deliver(listener, Event{Room: r.name, Kind: EventState, State: Error, Err: err, HasMoreOlder: ev.HasMoreOlder})
		return
	}
	msgs := normalizePage(page, r.name)
	if len(msgs) < req.Limit {
		r.hasMoreOlder = false
	}
	if len(msgs) > 0 {
		r.advanceCursor(msgs[0].Cursor())
	}
	changed := r.view.merge(msgs, sourcePage)
	removed := r.view.dropCached()
	ev := Event{
		Room:         r.name,
		Kind:         EventInitial,
		Messages:     changed,
		Removed:      removed,
		State:        r.state,
		HasMoreOlder: r.hasMoreOlder,
	}
	snap := c.snapshotLocked(r)
	c.mu.Unlock()

	logger.Debug("chatsync: initial window loaded",
		zap.String("room", r.name), zap.Int("messages", len(msgs)),
		zap.Int("stale_cached", len(removed)), zap.Bool("has_more_older", ev.HasMoreOlder))
	metrics.MessagesMerged.WithLabelValues(sourcePage.String()).Add(float64(len(changed)))
	c.deliver(listener, ev)
	c.scheduleSave(r, snap)
}

// resync досылает сообщения, пропущенные за время разрыва: страницы с самого
// нового листаются назад, пока не встретится последнее известное сообщение.
// Курсор истории не трогается.
func (c *Controller) resync(r *room, gen uint64) {
	c.mu.Lock()
	anchor, hasAnchor := r.view.newest()
	c.mu.Unlock()

	req := PageRequest{Room: r.name, Limit: c.opts.InitialWindow}
	var collected []Message
	var fetchErr error
	closed := false
	for range maxResyncPages {
		page, err := c.fetch(c.ctx, "resync", req)
		if err != nil {
			fetchErr = err
			break
		}
		msgs := normalizePage(page, r.name)
		collected = append(collected, msgs...)
		if !hasAnchor || len(msgs) < req.Limit || msgs[0].Cursor().Compare(anchor.Cursor()) <= 0 {
			closed = true
			break
		}
		req.Before = msgs[0].Cursor()
	}

	c.mu.Lock()
	if !c.current(r, gen) {
		c.mu.Unlock()
		return
	}
	r.resyncing = false
	listener := r.listener
	if fetchErr != nil {
		ev := Event{Room: r.name, Kind: EventResync, State: r.state, Err: fetchErr, HasMoreOlder: r.hasMoreOlder}
		c.mu.Unlock()
		logger.Warn("chatsync: resync failed", zap.String("room", r.name), zap.Error(fetchErr))
		c.deliver(listener, ev)
		return
	}
	if r.cursor.IsZero() && len(collected) > 0 {
		oldest := slices.MinFunc(collected, compareMessages)
		r.advanceCursor(oldest.Cursor())
	}
	changed := r.view.merge(collected, sourcePage)
	ev := Event{Room: r.name, Kind: EventResync, Messages: changed, State: r.state, HasMoreOlder: r.hasMoreOlder}
	snap := c.snapshotLocked(r)
	c.mu.Unlock()

	if !closed {
		logger.Warn("chatsync: resync page limit reached, history may have a gap",
			zap.String("room", r.name), zap.Int("pages", maxResyncPages))
	}
	metrics.MessagesMerged.WithLabelValues(sourcePage.String()).Add(float64(len(changed)))
	c.deliver(listener, ev)
	c.scheduleSave(r, snap)
}

// applyPush вливает сообщение из канала (или эхо отправки). Push побеждает.
func (c *Controller) applyPush(r *room, gen uint64, msg Message) {
	c.mu.Lock()
	if !c.current(r, gen) || r.state == Idle || r.state == Error {
		c.mu.Unlock()
		return
	}
	msg.Room = r.name
	changed := r.view.merge([]Message{msg}, sourcePush)
	if len(changed) == 0 {
		c.mu.Unlock()
		return
	}
	ev := Event{Room: r.name, Kind: EventPush, Messages: changed, State: r.state, HasMoreOlder: r.hasMoreOlder}
	listener := r.listener
	snap := c.snapshotLocked(r)
	c.mu.Unlock()

	metrics.MessagesMerged.WithLabelValues(sourcePush.String()).Add(float64(len(changed)))
	c.deliver(listener, ev)
	c.scheduleSave(r, snap)
}

func (c *Controller) fetch(ctx context.Context, kind string, req PageRequest) (Page, error) {
	page, err := retry.Value(ctx, c.opts.Retry, func(ctx context.Context) (Page, error) {
		return c.opts.Fetcher.FetchPage(ctx, req)
	}, c.netOpts("fetch_"+kind)...)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.PageFetches.WithLabelValues(kind, result).Inc()
	return page, err
}

func (c *Controller) netOpts(name string) []retry.Option {
	return append(slices.Clone(c.opts.RetryOptions), retry.WithName(name))
}

// normalizePage копирует сообщения страницы, проставляет комнату и сортирует
// по возрастанию (Timestamp, ID).
func normalizePage(page Page, name string) []Message {
	msgs := slices.Clone(page.Messages)
	for i := range msgs {
		msgs[i].Room = name
	}
	slices.SortFunc(msgs, compareMessages)
	return msgs
}

func (c *Controller) deliver(l Listener, e Event) {
	if l == nil {
		return
	}
	if err := safeHandle(l, e); err != nil {
		metrics.ListenerFailures.Inc()
		logger.Warn("chatsync: listener failed",
			zap.String("room", e.Room), zap.Stringer("event", e.Kind), zap.Error(err))
	}
}

func safeHandle(l Listener, e Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("listener panicked: %v", p)
		}
	}()
	return l.HandleEvent(e)
}
