package chatsync

import "errors"

// State: состояние подписки комнаты.
type State int

const (
	Idle State = iota
	Joining
	Subscribed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Subscribed:
		return "subscribed"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// EventKind: тип события для слушателя.
type EventKind int

const (
	// EventState: смена состояния подписки (Err заполнен для Error).
	EventState EventKind = iota
	// EventCached: сообщения из сохранённого снимка, до ответа сервера.
	EventCached
	// EventInitial: начальное окно после первого подтверждения подписки.
	// Заменяет показанный снимок; ошибка загрузки переводит комнату в Error.
	EventInitial
	// EventOlder: страница истории по LoadOlder.
	EventOlder
	// EventPush: новое или изменённое сообщение из канала.
	EventPush
	// EventResync: досылка пропущенного после восстановления канала.
	EventResync
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventCached:
		return "cached"
	case EventInitial:
		return "initial"
	case EventOlder:
		return "older"
	case EventPush:
		return "push"
	case EventResync:
		return "resync"
	default:
		return "unknown"
	}
}

// Event: дельта вида комнаты. Messages отсортированы по (Timestamp, ID)
// и содержат только новые или изменённые сообщения. Removed: ID, убранные
// из вида (сообщения снимка, которых нет на сервере).
type Event struct {
	Room         string
	Kind         EventKind
	Messages     []Message
	Removed      []int64
	State        State
	Err          error
	HasMoreOlder bool
}

// Listener: потребитель событий комнаты. Паника или ошибка слушателя
// логируется и не влияет на подписку.
type Listener interface {
	HandleEvent(Event) error
}

// ListenerFunc адаптирует функцию к Listener.
type ListenerFunc func(Event) error

func (f ListenerFunc) HandleEvent(e Event) error { return f(e) }

// Fanout рассылает событие нескольким слушателям по порядку. Сбой одного не
// мешает остальным; ошибки объединяются.
type Fanout []Listener

func (f Fanout) HandleEvent(e Event) error {
	var errs []error
	for _, l := range f {
		if l == nil {
			continue
		}
		if err := safeHandle(l, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
