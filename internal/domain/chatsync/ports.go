package chatsync

import (
	"context"
	"time"
)

// ChannelStatus: состояние realtime-канала комнаты, о котором сообщает транспорт.
type ChannelStatus int

const (
	ChannelJoining ChannelStatus = iota
	ChannelSubscribed
	ChannelError
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelJoining:
		return "joining"
	case ChannelSubscribed:
		return "subscribed"
	case ChannelError:
		return "error"
	default:
		return "unknown"
	}
}

// Subscriber получает обратные вызовы канала одной комнаты. Реализация
// в контроллере потокобезопасна; доставка at-least-once, порядок не гарантирован.
type Subscriber interface {
	OnStatus(status ChannelStatus, err error)
	OnMessage(msg Message)
}

// Channel: realtime-канал. Join может вызвать OnStatus синхронно, до возврата.
type Channel interface {
	Join(ctx context.Context, room string, sub Subscriber) error
	Leave(ctx context.Context, room string) error
}

// PageRequest: запрос страницы истории строго старше Before.
// Нулевой Before означает «самые новые».
type PageRequest struct {
	Room   string
	Before Cursor
	Limit  int
}

// Page: ответ на PageRequest. Порядок сообщений произвольный.
type Page struct {
	Messages []Message
}

// PageFetcher: источник истории.
type PageFetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}

// OutgoingMessage: исходящее сообщение. RandomID постоянен между повторами,
// чтобы сервер мог отбросить дубль.
type OutgoingMessage struct {
	Room     string
	Text     string
	RandomID int64
}

// Sender отправляет сообщение и возвращает его серверное эхо.
type Sender interface {
	Send(ctx context.Context, msg OutgoingMessage) (Message, error)
}

// ReadMarker помечает историю прочитанной до maxID включительно.
type ReadMarker interface {
	MarkRead(ctx context.Context, room string, maxID int64) error
}

// Typer сообщает собеседникам о наборе текста.
type Typer interface {
	Typing(ctx context.Context, room string) error
}

// Snapshot: сохранённая копия хвоста комнаты для мгновенного показа при входе.
type Snapshot struct {
	Room     string    `json:"room"`
	Messages []Message `json:"messages"`
	SavedAt  time.Time `json:"saved_at"`
}

// SnapshotStore хранит снимки. Подходит storage.JSONStore[Snapshot].
type SnapshotStore interface {
	Load(room string) (Snapshot, bool, error)
	Save(room string, s Snapshot) error
}
