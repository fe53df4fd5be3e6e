package chatsync_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"telegram-chatsync/internal/domain/chatsync"
	"telegram-chatsync/internal/infra/clock"
	"telegram-chatsync/internal/infra/retry"
	"telegram-chatsync/internal/infra/throttle"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const room = "chat:42"

func msg(id int64) chatsync.Message {
	return chatsync.Message{
		ID:        id,
		Room:      room,
		Timestamp: epoch.Add(time.Duration(id) * time.Second),
		Text:      fmt.Sprintf("m%d", id),
	}
}

// backend: история комнаты с постраничной выдачей «как у сервера»:
// самые новые limit сообщений старше курсора, по убыванию.
type backend struct {
	mu       sync.Mutex
	messages []chatsync.Message
	requests []chatsync.PageRequest
	results  []int
	fail     error
	gate     chan struct{}
	entered  chan struct{}
}

func newBackend(n int) *backend {
	b := &backend{}
	b.append(1, int64(n))
	return b
}

func (b *backend) append(from, to int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := from; id <= to; id++ {
		b.messages = append(b.messages, msg(id))
	}
}

func (b *backend) FetchPage(ctx context.Context, req chatsync.PageRequest) (chatsync.Page, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	gate, entered, fail := b.gate, b.entered, b.fail
	b.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return chatsync.Page{}, ctx.Err()
		}
	}
	if fail != nil {
		return chatsync.Page{}, fail
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var older []chatsync.Message
	for _, m := range b.messages {
		if req.Before.IsZero() || m.Cursor().Compare(req.Before) < 0 {
			older = append(older, m)
		}
	}
	if len(older) > req.Limit {
		older = older[len(older)-req.Limit:]
	}
	page := slices.Clone(older)
	slices.Reverse(page)
	b.results = append(b.results, len(page))
	return chatsync.Page{Messages: page}, nil
}

func (b *backend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *backend) setFail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = err
}

// channel подтверждает подписку синхронно внутри Join.
type channel struct {
	mu      sync.Mutex
	subs    map[string]chatsync.Subscriber
	joins   int
	leaves  []string
	joinErr error
}

func newChannel() *channel { return &channel{subs: make(map[string]chatsync.Subscriber)} }

func (c *channel) Join(_ context.Context, name string, sub chatsync.Subscriber) error {
	c.mu.Lock()
	c.joins++
	if err := c.joinErr; err != nil {
		c.mu.Unlock()
		return err
	}
	c.subs[name] = sub
	c.mu.Unlock()

	sub.OnStatus(chatsync.ChannelJoining, nil)
	sub.OnStatus(chatsync.ChannelSubscribed, nil)
	return nil
}

func (c *channel) Leave(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, name)
	c.leaves = append(c.leaves, name)
	return nil
}

func (c *channel) sub(name string) chatsync.Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[name]
}

// events записывает всё, что получил слушатель.
type events struct {
	mu   sync.Mutex
	list []chatsync.Event
}

func (e *events) HandleEvent(ev chatsync.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
	return nil
}

func (e *events) all() []chatsync.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.list)
}

func (e *events) ofKind(kind chatsync.EventKind) []chatsync.Event {
	var out []chatsync.Event
	for _, ev := range e.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func ids(msgs []chatsync.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func span(from, to int64) []int64 {
	var out []int64
	for id := from; id <= to; id++ {
		out = append(out, id)
	}
	return out
}

type fixture struct {
	ctrl    *chatsync.Controller
	channel *channel
	backend *backend
	clock   *clock.Fake
}

func newFixture(t *testing.T, history int, mutate func(*chatsync.Options)) *fixture {
	t.Helper()
	fake := clock.NewFake(epoch)
	exec := retry.NewExecutor(retry.Options{MaxAttempts: 1}, retry.WithClock(fake))
	f := &fixture{channel: newChannel(), backend: newBackend(history), clock: fake}
	opts := chatsync.Options{
		Channel:       f.channel,
		Fetcher:       f.backend,
		Retry:         exec,
		Joins:         retry.NewManager(exec),
		InitialWindow: 20,
		PageSize:      20,
		Clock:         fake,
	}
	if mutate != nil {
		mutate(&opts)
	}
	ctrl, err := chatsync.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Stop(context.Background()) })
	f.ctrl = ctrl
	return f
}

func (f *fixture) join(t *testing.T, name string) *events {
	t.Helper()
	var ev events
	require.NoError(t, f.ctrl.RegisterListener(name, &ev))
	require.NoError(t, f.ctrl.Join(context.Background(), name))
	return &ev
}

func TestNewRequiresChannelAndFetcher(t *testing.T) {
	t.Parallel()

	_, err := chatsync.New(chatsync.Options{Fetcher: newBackend(0)})
	require.Error(t, err)
	_, err = chatsync.New(chatsync.Options{Channel: newChannel()})
	require.Error(t, err)
}

func TestJoinWithoutListenerFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10, nil)
	err := f.ctrl.Join(context.Background(), room)
	require.ErrorIs(t, err, chatsync.ErrNoListener)
	require.Zero(t, f.channel.joins, "no network call without a listener")
	require.Zero(t, f.backend.fetchCount())
}

func TestInitialWindowReachesListenerBeforeLoadOlder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 50, func(o *chatsync.Options) { o.InitialWindow = 50 })
	ev := f.join(t, room)

	initial := ev.ofKind(chatsync.EventInitial)
	require.Len(t, initial, 1)
	require.Equal(t, span(1, 50), ids(initial[0].Messages))
	require.Equal(t, 1, f.backend.fetchCount())

	kinds := make([]chatsync.EventKind, 0)
	for _, e := range ev.all() {
		kinds = append(kinds, e.Kind)
	}
	require.Equal(t, []chatsync.EventKind{chatsync.EventState, chatsync.EventState, chatsync.EventInitial}, kinds)

	st, ok := f.ctrl.Status(room)
	require.True(t, ok)
	require.Equal(t, chatsync.Subscribed, st.State)
	require.True(t, st.InitialLoaded)
	require.Equal(t, 50, st.Messages)

	require.NoError(t, f.ctrl.LoadOlder(context.Background(), room))
	st, _ = f.ctrl.Status(room)
	require.False(t, st.HasMoreOlder)
}

func TestPaginationIsGapFreeAndDuplicateFree(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 137, nil)
	ev := f.join(t, room)

	for range 20 {
		st, _ := f.ctrl.Status(room)
		if !st.HasMoreOlder {
			break
		}
		require.NoError(t, f.ctrl.LoadOlder(context.Background(), room))
	}

	require.Equal(t, 7, f.backend.fetchCount())
	require.Equal(t, []int{20, 20, 20, 20, 20, 20, 17}, f.backend.results)

	older := ev.ofKind(chatsync.EventOlder)
	require.Len(t, older, 6)
	require.Len(t, older[5].Messages, 17)
	require.False(t, older[5].HasMoreOlder)

	require.Equal(t, span(1, 137), ids(f.ctrl.Messages(room)))

	var delivered []int64
	for _, e := range ev.all() {
		delivered = append(delivered, ids(e.Messages)...)
	}
	slices.Sort(delivered)
	require.Equal(t, span(1, 137), delivered, "each message delivered exactly once")

	require.NoError(t, f.ctrl.LoadOlder(context.Background(), room))
	require.Equal(t, 7, f.backend.fetchCount(), "exhausted history is not refetched")
}

func TestConcurrentLoadOlderFetchesOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100, nil)
	f.join(t, room)

	f.backend.mu.Lock()
	f.backend.gate = make(chan struct{})
	f.backend.entered = make(chan struct{}, 4)
	f.backend.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- f.ctrl.LoadOlder(context.Background(), room) }()
	<-f.backend.entered

	require.NoError(t, f.ctrl.LoadOlder(context.Background(), room))
	st, _ := f.ctrl.Status(room)
	require.True(t, st.LoadingOlder)

	close(f.backend.gate)
	require.NoError(t, <-done)
	require.Equal(t, 2, f.backend.fetchCount(), "initial window plus one page")
}

func TestDuplicateSubscribedDoesNotReload(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 30, nil)
	ev := f.join(t, room)

	f.channel.sub(room).OnStatus(chatsync.ChannelSubscribed, nil)
	f.channel.sub(room).OnStatus(chatsync.ChannelSubscribed, nil)

	require.Equal(t, 1, f.backend.fetchCount())
	require.Len(t, ev.ofKind(chatsync.EventInitial), 1)
}

func TestReconnectResyncsMissedMessages(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 30, nil)
	ev := f.join(t, room)
	sub := f.channel.sub(room)

	sub.OnStatus(chatsync.ChannelJoining, nil)
	st, _ := f.ctrl.Status(room)
	require.Equal(t, chatsync.Joining, st.State)

	f.backend.append(31, 35)
	sub.OnStatus(chatsync.ChannelSubscribed, nil)

	resync := ev.ofKind(chatsync.EventResync)
	require.Len(t, resync, 1)
	require.Equal(t, span(31, 35), ids(resync[0].Messages))
	require.Equal(t, span(11, 35), ids(f.ctrl.Messages(room)))
	require.Len(t, ev.ofKind(chatsync.EventInitial), 1, "reconnect never reloads the initial window")

	st, _ = f.ctrl.Status(room)
	require.Equal(t, int64(11), st.Cursor.ID, "resync keeps the history cursor")
}

func TestResyncFillsLongOutage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 20, func(o *chatsync.Options) { o.InitialWindow = 5 })
	f.join(t, room)
	sub := f.channel.sub(room)

	sub.OnStatus(chatsync.ChannelJoining, nil)
	f.backend.append(21, 32)
	sub.OnStatus(chatsync.ChannelSubscribed, nil)

	require.Equal(t, span(16, 32), ids(f.ctrl.Messages(room)))
}

func TestPushWinsOverPagedContent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 30, nil)
	ev := f.join(t, room)
	sub := f.channel.sub(room)

	edited := msg(25)
	edited.Text = "edited"
	edited.EditedAt = epoch.Add(time.Hour)
	sub.OnMessage(edited)
	sub.OnMessage(msg(31))
	sub.OnMessage(msg(31)) // повторная доставка

	pushes := ev.ofKind(chatsync.EventPush)
	require.Len(t, pushes, 2)

	// Переподключение перечитывает страницу с исходным текстом 25.
	sub.OnStatus(chatsync.ChannelJoining, nil)
	sub.OnStatus(chatsync.ChannelSubscribed, nil)

	view := f.ctrl.Messages(room)
	require.Equal(t, span(11, 31), ids(view))
	idx := slices.IndexFunc(view, func(m chatsync.Message) bool { return m.ID == 25 })
	require.Equal(t, "edited", view[idx].Text)
}

func TestListenerPanicDoesNotBreakSubscription(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10, nil)
	var mu sync.Mutex
	var pushed []int64
	listener := chatsync.ListenerFunc(func(e chatsync.Event) error {
		switch e.Kind {
		case chatsync.EventInitial:
			panic("render failed")
		case chatsync.EventPush:
			mu.Lock()
			pushed = append(pushed, ids(e.Messages)...)
			mu.Unlock()
			return errors.New("ui busy")
		}
		return nil
	})
	require.NoError(t, f.ctrl.RegisterListener(room, listener))
	require.NoError(t, f.ctrl.Join(context.Background(), room))

	st, _ := f.ctrl.Status(room)
	require.Equal(t, chatsync.Subscribed, st.State)

	f.channel.sub(room).OnMessage(msg(11))
	f.channel.sub(room).OnMessage(msg(12))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{11, 12}, pushed)
}

func TestLoadOlderFailureKeepsHasMoreOlder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100, nil)
	f.join(t, room)

	boom := errors.New("history endpoint down")
	f.backend.setFail(boom)
	err := f.ctrl.LoadOlder(context.Background(), room)
	require.ErrorIs(t, err, boom)

	st, _ := f.ctrl.Status(room)
	require.True(t, st.HasMoreOlder)
	require.False(t, st.LoadingOlder)
	require.Equal(t, int64(81), st.Cursor.ID)

	f.backend.setFail(nil)
	require.NoError(t, f.ctrl.LoadOlder(context.Background(), room))
	require.Equal(t, span(61, 100), ids(f.ctrl.Messages(room)))
}

func TestJoinFailureMovesToError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10, nil)
	boom := errors.New("CHANNEL_PRIVATE")
	f.channel.joinErr = boom

	var ev events
	require.NoError(t, f.ctrl.RegisterListener(room, &ev))
	err := f.ctrl.Join(context.Background(), room)
	require.ErrorIs(t, err, boom)

	st, _ := f.ctrl.Status(room)
	require.Equal(t, chatsync.Error, st.State)
	require.ErrorIs(t, st.Err, boom)

	states := ev.ofKind(chatsync.EventState)
	require.Equal(t, chatsync.Error, states[len(states)-1].State)
	require.ErrorIs(t, states[len(states)-1].Err, boom)

	require.ErrorIs(t, f.ctrl.LoadOlder(context.Background(), room), chatsync.ErrNotSubscribed)

	f.channel.mu.Lock()
	f.channel.joinErr = nil
	f.channel.mu.Unlock()
	require.NoError(t, f.ctrl.Join(context.Background(), room))
	st, _ = f.ctrl.Status(room)
	require.Equal(t, chatsync.Subscribed, st.State)
	require.NoError(t, st.Err)
}

func TestInitialLoadFailureMovesToErrorAndRejoinRetries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 50, nil)
	boom := errors.New("RPC timeout")
	f.backend.setFail(boom)

	var ev events
	require.NoError(t, f.ctrl.RegisterListener(room, &ev))
	require.ErrorIs(t, f.ctrl.Join(context.Background(), room), boom)

	st, _ := f.ctrl.Status(room)
	require.Equal(t, chatsync.Error, st.State)
	require.ErrorIs(t, st.Err, boom)
	require.False(t, st.InitialLoaded)

	initial := ev.ofKind(chatsync.EventInitial)
	require.Len(t, initial, 1)
	require.ErrorIs(t, initial[0].Err, boom)
	states := ev.ofKind(chatsync.EventState)
	require.Equal(t, chatsync.Error, states[len(states)-1].State)

	f.backend.setFail(nil)
	f.channel.sub(room).OnStatus(chatsync.ChannelSubscribed, nil)
	require.Equal(t, 1, f.backend.fetchCount(), "errored room waits for an explicit Join")

	require.NoError(t, f.ctrl.Join(context.Background(), room))
	st, _ = f.ctrl.Status(room)
	require.Equal(t, chatsync.Subscribed, st.State)
	require.True(t, st.InitialLoaded)
	require.NoError(t, st.Err)
	require.Equal(t, span(31, 50), ids(f.ctrl.Messages(room)))
	require.Equal(t, 2, f.backend.fetchCount())
}

func TestChannelErrorAfterSubscribe(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10, nil)
	ev := f.join(t, room)

	f.channel.sub(room).OnStatus(chatsync.ChannelError, errors.New("kicked"))
	st, _ := f.ctrl.Status(room)
	require.Equal(t, chatsync.Error, st.State)

	f.channel.sub(room).OnMessage(msg(11))
	require.Empty(t, ev.ofKind(chatsync.EventPush), "errored room ignores pushes")
}

func TestLeaveAndReenterResetsState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 137, nil)
	ev := f.join(t, room)
	require.NoError(t, f.ctrl.LoadOlder(context.Background(), room))
	require.NoError(t, f.ctrl.LoadOlder(context.Background(), room))
	stale := f.channel.sub(room)

	require.NoError(t, f.ctrl.Leave(context.Background(), room))
	require.Equal(t, []string{room}, f.channel.leaves)
	_, ok := f.ctrl.Status(room)
	require.False(t, ok)
	last := ev.all()[len(ev.all())-1]
	require.Equal(t, chatsync.Idle, last.State)

	require.ErrorIs(t, f.ctrl.Join(context.Background(), room), chatsync.ErrNoListener)

	again := f.join(t, room)
	st, _ := f.ctrl.Status(room)
	require.True(t, st.HasMoreOlder)
	require.Equal(t, 20, st.Messages)
	require.Equal(t, int64(118), st.Cursor.ID)

	stale.OnMessage(msg(500))
	require.Empty(t, again.ofKind(chatsync.EventPush), "callbacks of a previous join are dropped")

	f.backend.mu.Lock()
	lastReq := f.backend.requests[len(f.backend.requests)-1]
	f.backend.mu.Unlock()
	require.True(t, lastReq.Before.IsZero(), "re-entering starts from the newest page")
}

func TestRoomsAreIndependent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 30, nil)
	f.join(t, "chat:1")
	f.join(t, "chat:2")
	require.NoError(t, f.ctrl.LoadOlder(context.Background(), "chat:1"))

	rooms := f.ctrl.Rooms()
	require.Len(t, rooms, 2)
	require.Equal(t, "chat:1", rooms[0].Room)
	require.False(t, rooms[0].HasMoreOlder)
	require.True(t, rooms[1].HasMoreOlder)
}

type sender struct {
	mu       sync.Mutex
	failures int
	seen     []chatsync.OutgoingMessage
}

func (s *sender) Send(_ context.Context, out chatsync.OutgoingMessage) (chatsync.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, out)
	if s.failures > 0 {
		s.failures--
		return chatsync.Message{}, errors.New("connection reset")
	}
	m := msg(1000)
	m.Text = out.Text
	return m, nil
}

func TestSendRetriesWithStableRandomIDAndMergesEcho(t *testing.T) {
	t.Parallel()

	snd := &sender{failures: 1}
	var limiter *throttle.RateLimiter
	f := newFixture(t, 10, func(o *chatsync.Options) {
		o.Sender = snd
		o.Retry = retry.NewExecutor(retry.Options{MaxAttempts: 2}, retry.WithClock(o.Clock))
		limiter = throttle.NewRateLimiter(1, 1, time.Second, throttle.WithClock(o.Clock))
		o.Limiter = limiter
	})
	ev := f.join(t, room)

	got, err := f.ctrl.Send(context.Background(), room, "hello")
	require.NoError(t, err)
	require.True(t, got.Outgoing)
	require.Len(t, snd.seen, 2)
	require.NotZero(t, snd.seen[0].RandomID)
	require.Equal(t, snd.seen[0].RandomID, snd.seen[1].RandomID)

	pushes := ev.ofKind(chatsync.EventPush)
	require.Len(t, pushes, 1)
	require.Equal(t, "hello", pushes[0].Messages[0].Text)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.ctrl.Send(ctx, room, "again")
	require.ErrorIs(t, err, context.Canceled, "empty bucket waits until ctx is done")
	require.Len(t, snd.seen, 2)
}

func TestSendRequiresSubscription(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10, func(o *chatsync.Options) { o.Sender = &sender{} })
	_, err := f.ctrl.Send(context.Background(), room, "x")
	require.ErrorIs(t, err, chatsync.ErrNoListener)

	plain := newFixture(t, 10, nil)
	plain.join(t, room)
	_, err = plain.ctrl.Send(context.Background(), room, "x")
	require.ErrorIs(t, err, chatsync.ErrUnsupported)
}

type marker struct {
	mu    sync.Mutex
	marks map[string][]int64
}

func (m *marker) MarkRead(_ context.Context, name string, maxID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marks == nil {
		m.marks = make(map[string][]int64)
	}
	m.marks[name] = append(m.marks[name], maxID)
	return nil
}

func TestMarkReadCollapsesPerRoom(t *testing.T) {
	t.Parallel()

	mk := &marker{}
	f := newFixture(t, 10, func(o *chatsync.Options) {
		o.ReadMarker = mk
		o.ReadBatchSize = 50
		o.ReadBatchWait = time.Second
	})
	f.join(t, "chat:1")
	f.join(t, "chat:2")

	require.NoError(t, f.ctrl.MarkRead("chat:1"))
	require.NoError(t, f.ctrl.MarkRead("chat:2"))
	m := msg(11)
	m.Room = "chat:1"
	f.channel.sub("chat:1").OnMessage(m)
	require.NoError(t, f.ctrl.MarkRead("chat:1"))

	mk.mu.Lock()
	require.Empty(t, mk.marks)
	mk.mu.Unlock()

	f.clock.Advance(time.Second)

	mk.mu.Lock()
	defer mk.mu.Unlock()
	require.Equal(t, map[string][]int64{"chat:1": {11}, "chat:2": {10}}, mk.marks)
}

type typer struct {
	mu    sync.Mutex
	calls int
}

func (ty *typer) Typing(context.Context, string) error {
	ty.mu.Lock()
	defer ty.mu.Unlock()
	ty.calls++
	return nil
}

func (ty *typer) count() int {
	ty.mu.Lock()
	defer ty.mu.Unlock()
	return ty.calls
}

func TestTypingIsThrottled(t *testing.T) {
	t.Parallel()

	ty := &typer{}
	f := newFixture(t, 10, func(o *chatsync.Options) {
		o.Typer = ty
		o.TypingInterval = time.Second
	})
	f.join(t, room)

	for range 5 {
		require.NoError(t, f.ctrl.Typing(room))
	}
	require.Equal(t, 1, ty.count())

	f.clock.Advance(time.Second)
	require.Equal(t, 2, ty.count())
}

type memStore struct {
	mu    sync.Mutex
	snaps map[string]chatsync.Snapshot
	saves int
}

func (s *memStore) Load(name string) (chatsync.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[name]
	return snap, ok, nil
}

func (s *memStore) Save(name string, snap chatsync.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[name] = snap
	s.saves++
	return nil
}

func TestSnapshotDeliveredAsCachedAndSavedDebounced(t *testing.T) {
	t.Parallel()

	store := &memStore{snaps: map[string]chatsync.Snapshot{
		room: {Room: room, Messages: []chatsync.Message{msg(5), msg(6), msg(7)}},
	}}
	f := newFixture(t, 30, func(o *chatsync.Options) {
		o.Store = store
		o.SnapshotDelay = time.Second
	})
	ev := f.join(t, room)

	all := ev.all()
	require.Equal(t, chatsync.EventCached, all[1].Kind, "cache arrives before the subscription")
	require.Equal(t, []int64{5, 6, 7}, ids(all[1].Messages))

	initial := ev.ofKind(chatsync.EventInitial)
	require.Len(t, initial, 1)
	require.Equal(t, []int64{5, 6, 7}, initial[0].Removed, "cache outside the window is replaced")
	require.Equal(t, span(11, 30), ids(f.ctrl.Messages(room)))

	st, _ := f.ctrl.Status(room)
	require.Equal(t, int64(11), st.Cursor.ID, "cached messages never move the cursor")

	f.channel.sub(room).OnMessage(msg(31))
	store.mu.Lock()
	require.Zero(t, store.saves)
	store.mu.Unlock()

	f.clock.Advance(time.Second)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Equal(t, 1, store.saves)
	require.Equal(t, span(11, 31), ids(store.snaps[room].Messages))
}

func TestInitialWindowDropsCachedMessagesGoneFromServer(t *testing.T) {
	t.Parallel()

	deleted := msg(40)
	deleted.ID = 1040
	store := &memStore{snaps: map[string]chatsync.Snapshot{
		room: {Room: room, Messages: []chatsync.Message{msg(5), msg(35), deleted, msg(45)}},
	}}
	f := newFixture(t, 50, func(o *chatsync.Options) { o.Store = store })
	ev := f.join(t, room)

	initial := ev.ofKind(chatsync.EventInitial)
	require.Len(t, initial, 1)
	require.Equal(t, []int64{5, 1040}, initial[0].Removed)
	require.Equal(t, span(31, 50), ids(f.ctrl.Messages(room)), "no hole between cache and the window")

	require.NoError(t, f.ctrl.LoadOlder(context.Background(), room))
	require.Equal(t, span(11, 50), ids(f.ctrl.Messages(room)))
}

func TestStopFlushesPendingSnapshot(t *testing.T) {
	t.Parallel()

	store := &memStore{snaps: map[string]chatsync.Snapshot{}}
	f := newFixture(t, 10, func(o *chatsync.Options) { o.Store = store })
	f.join(t, room)

	require.NoError(t, f.ctrl.Stop(context.Background()))
	store.mu.Lock()
	require.Equal(t, 1, store.saves)
	store.mu.Unlock()

	require.ErrorIs(t, f.ctrl.Join(context.Background(), "chat:7"), chatsync.ErrStopped)
}
