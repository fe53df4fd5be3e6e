package web

import (
	"encoding/json"
	"sync"
	"time"

	"telegram-chatsync/internal/domain/chatsync"
	"telegram-chatsync/internal/infra/logger"
	"telegram-chatsync/internal/infra/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// defaultQueueSize: ёмкость исходящей очереди одного подключения.
const defaultQueueSize = 64

// wireMessage: сообщение в JSON для браузера.
type wireMessage struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"ts"`
	SenderID  int64     `json:"sender_id"`
	Sender    string    `json:"sender,omitempty"`
	Text      string    `json:"text"`
	Outgoing  bool      `json:"out,omitempty"`
	Service   bool      `json:"service,omitempty"`
	EditedAt  time.Time `json:"edited_at,omitzero"`
}

// wireEvent: событие комнаты на проводе.
type wireEvent struct {
	Room         string        `json:"room"`
	Kind         string        `json:"kind"`
	State        string        `json:"state"`
	Error        string        `json:"error,omitempty"`
	HasMoreOlder bool          `json:"has_more_older"`
	Messages     []wireMessage `json:"messages,omitempty"`
	Removed      []int64       `json:"removed,omitempty"`
}

func toWireMessages(msgs []chatsync.Message) []wireMessage {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]wireMessage, len(msgs))
	for i, m := range msgs {
		out[i] = wireMessage{
			ID:        m.ID,
			Timestamp: m.Timestamp,
			SenderID:  m.SenderID,
			Sender:    m.Sender,
			Text:      m.Text,
			Outgoing:  m.Outgoing,
			Service:   m.Service,
			EditedAt:  m.EditedAt,
		}
	}
	return out
}

func encodeEvent(e chatsync.Event) ([]byte, error) {
	w := wireEvent{
		Room:         e.Room,
		Kind:         e.Kind.String(),
		State:        e.State.String(),
		HasMoreOlder: e.HasMoreOlder,
		Messages:     toWireMessages(e.Messages),
		Removed:      e.Removed,
	}
	if e.Err != nil {
		w.Error = e.Err.Error()
	}
	return json.Marshal(w)
}

// client: подписчик одной комнаты. Out ограничен: медленный клиент
// теряет события, а не тормозит контроллер.
type client struct {
	id   string
	room string
	out  chan []byte
}

// Hub раздаёт события комнат подключённым WebSocket-клиентам.
// Реализует chatsync.Listener.
type Hub struct {
	queueSize int

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub создаёт хаб. При queueSize <= 0 берётся defaultQueueSize.
func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Hub{queueSize: queueSize, clients: make(map[string]*client)}
}

func (h *Hub) add(room string) *client {
	c := &client{id: uuid.NewString(), room: room, out: make(chan []byte, h.queueSize)}
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSClients.Set(float64(n))
	logger.Debug("web: client attached", zap.String("client", c.id), zap.String("room", room))
	return c
}

// remove закрывает очередь клиента. Повторный вызов безопасен.
func (h *Hub) remove(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(c.out)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		metrics.WSClients.Set(float64(n))
		logger.Debug("web: client detached", zap.String("client", id))
	}
}

// Len: число подключённых клиентов.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleEvent рассылает событие подписчикам комнаты без блокировки.
func (h *Hub) HandleEvent(e chatsync.Event) error {
	payload, err := encodeEvent(e)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.room != e.Room {
			continue
		}
		select {
		case c.out <- payload:
		default:
			metrics.WSDropped.Inc()
			logger.Debug("web: client queue full, event dropped", zap.String("client", c.id))
		}
	}
	return nil
}
