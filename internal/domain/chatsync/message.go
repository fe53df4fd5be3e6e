package chatsync

import (
	"cmp"
	"time"
)

// Message: сообщение комнаты в нормализованном виде.
type Message struct {
	ID        int64     `json:"id"`
	Room      string    `json:"room"`
	Timestamp time.Time `json:"ts"`
	SenderID  int64     `json:"sender_id,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	Text      string    `json:"text"`
	Outgoing  bool      `json:"out,omitempty"`
	Service   bool      `json:"service,omitempty"` // служебное (вступление, закреп и т.п.)
	EditedAt  time.Time `json:"edited_at,omitzero"`
}

// Cursor задаёт позицию в истории, это составной ключ (Timestamp, ID).
type Cursor struct {
	Timestamp time.Time `json:"ts"`
	ID        int64     `json:"id"`
}

// IsZero сообщает, что курсор не установлен («с самого нового»).
func (c Cursor) IsZero() bool { return c.ID == 0 && c.Timestamp.IsZero() }

// Compare упорядочивает курсоры по времени, затем по ID.
func (c Cursor) Compare(o Cursor) int {
	if r := c.Timestamp.Compare(o.Timestamp); r != 0 {
		return r
	}
	return cmp.Compare(c.ID, o.ID)
}

// Cursor возвращает ключ сортировки сообщения.
func (m Message) Cursor() Cursor { return Cursor{Timestamp: m.Timestamp, ID: m.ID} }

func compareMessages(a, b Message) int { return a.Cursor().Compare(b.Cursor()) }

// sameContent сравнивает видимое содержимое; используется, чтобы не слать
// слушателю повторную доставку того же сообщения.
func sameContent(a, b Message) bool {
	return a.Text == b.Text && a.EditedAt.Equal(b.EditedAt) && a.Timestamp.Equal(b.Timestamp) &&
		a.SenderID == b.SenderID && a.Sender == b.Sender && a.Service == b.Service
}
