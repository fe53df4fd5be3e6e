package cli

import (
	"fmt"
	"io"
	"strings"

	"telegram-chatsync/internal/domain/chatsync"
	"telegram-chatsync/internal/infra/pr"
)

// Printer печатает события комнат в консоль.
type Printer struct {
	// Out: поток вывода; при nil используется pr.Stdout().
	Out io.Writer
}

// HandleEvent реализует chatsync.Listener.
func (p Printer) HandleEvent(e chatsync.Event) error {
	w := p.Out
	if w == nil {
		w = pr.Stdout()
	}
	switch e.Kind {
	case chatsync.EventState:
		if e.Err != nil {
			_, err := fmt.Fprintf(w, "[%s] %s: %v\n", e.Room, e.State, e.Err)
			return err
		}
		_, err := fmt.Fprintf(w, "[%s] %s\n", e.Room, e.State)
		return err
	case chatsync.EventInitial, chatsync.EventOlder:
		if e.Err != nil {
			_, err := fmt.Fprintf(w, "[%s] %s failed: %v\n", e.Room, e.Kind, e.Err)
			return err
		}
		if _, err := fmt.Fprintf(w, "[%s] %s: %d messages, more=%t\n", e.Room, e.Kind, len(e.Messages), e.HasMoreOlder); err != nil {
			return err
		}
		if len(e.Removed) > 0 {
			if _, err := fmt.Fprintf(w, "[%s] %d cached messages gone\n", e.Room, len(e.Removed)); err != nil {
				return err
			}
		}
	}
	if e.Kind == chatsync.EventOlder {
		// старые страницы не печатаем построчно, для этого есть view
		return nil
	}
	for _, m := range e.Messages {
		if _, err := fmt.Fprintf(w, "[%s] %s\n", e.Room, formatMessage(m)); err != nil {
			return err
		}
	}
	return nil
}

// formatMessage: "12:04:05 #42 Ann: text (edited)".
func formatMessage(m chatsync.Message) string {
	var b strings.Builder
	b.WriteString(m.Timestamp.Local().Format("15:04:05"))
	fmt.Fprintf(&b, " #%d ", m.ID)
	switch {
	case m.Outgoing:
		b.WriteString("me")
	case m.Sender != "":
		b.WriteString(m.Sender)
	default:
		fmt.Fprintf(&b, "id%d", m.SenderID)
	}
	b.WriteString(": ")
	b.WriteString(m.Text)
	if !m.EditedAt.IsZero() {
		b.WriteString(" (edited)")
	}
	return b.String()
}
