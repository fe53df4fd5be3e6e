// Package cli: интерактивная консоль комнат. Сервис читает команды из
// readline в фоне и вызывает контроллер синхронизации: вход и выход из
// комнат, подгрузку истории, отправку, отметки о прочтении. События комнат
// печатаются через Printer. Start/Stop идемпотентны.
package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"telegram-chatsync/internal/domain/chatsync"
	"telegram-chatsync/internal/infra/logger"
	"telegram-chatsync/internal/infra/pr"
	"telegram-chatsync/internal/infra/telegram/peersmgr"
)

const (
	commandTimeout  = 30 * time.Second
	defaultViewSize = 20
)

// Controller: операции контроллера, доступные из консоли.
type Controller interface {
	RegisterListener(room string, l chatsync.Listener) error
	Join(ctx context.Context, room string) error
	Leave(ctx context.Context, room string) error
	LoadOlder(ctx context.Context, room string) error
	Messages(room string) []chatsync.Message
	Status(room string) (chatsync.RoomStatus, bool)
	Rooms() []chatsync.RoomStatus
	Send(ctx context.Context, room, text string) (chatsync.Message, error)
	Typing(room string) error
	MarkRead(room string) error
}

// Dialogs: офлайн-снимок диалогов и его обновление.
type Dialogs interface {
	Dialogs() []peersmgr.DialogRef
	RefreshDialogs(ctx context.Context) error
}

type commandDescriptor struct {
	name        string
	args        string
	description string
}

var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands"},
	{name: "dialogs", args: "[refresh]", description: "Print cached dialogs (refresh re-reads them from Telegram)"},
	{name: "join", args: "<room>", description: "Subscribe to a room and load the latest messages"},
	{name: "leave", args: "<room>", description: "Unsubscribe from a room"},
	{name: "older", args: "<room>", description: "Load the previous page of history"},
	{name: "view", args: "<room> [n]", description: "Print the newest n messages of the room"},
	{name: "send", args: "<room> <text>", description: "Send a message"},
	{name: "typing", args: "<room>", description: "Show the typing indicator"},
	{name: "read", args: "<room>", description: "Mark the room read up to the newest message"},
	{name: "status", description: "Show all rooms"},
	{name: "state", args: "<room>", description: "Dump the room status"},
	{name: "exit", description: "Stop the CLI and terminate the service"},
}

// Service: консоль, встроенная в lifecycle приложения.
type Service struct {
	ctrl     Controller
	dialogs  Dialogs
	listener func(room string) chatsync.Listener
	stopApp  context.CancelFunc

	// out подменяется в тестах; при nil используется pr.Stdout()
	out io.Writer

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт консоль. listener строит слушателя для комнаты при join;
// stopApp вызывается командой exit и Ctrl-C на пустой строке.
func NewService(ctrl Controller, dialogs Dialogs, listener func(room string) chatsync.Listener, stopApp context.CancelFunc) *Service {
	return &Service{ctrl: ctrl, dialogs: dialogs, listener: listener, stopApp: stopApp}
}

// Start запускает цикл чтения команд.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() { s.run(runCtx) })
	})
}

// Stop прерывает readline и ждёт завершения цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		pr.InterruptReadline()
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Service) run(ctx context.Context) {
	rl := pr.Rl()
	if rl == nil {
		logger.Warn("cli: readline is not initialised")
		return
	}
	defer func() { _ = rl.Close() }()

	pr.SetPrompt(pr.DefaultPrompt)
	s.println("CLI started. Commands:", joinCommandNames(commandDescriptors))
	s.println("Press '?' or type 'help' for details.")
	installKeyHandlers(s.stopApp)

	for ctx.Err() == nil {
		line, err := rl.Readline()
		if err != nil {
			logger.Debug("cli: readline closed")
			return
		}
		if s.handleCommand(ctx, line) {
			return
		}
	}
}

// installKeyHandlers: '?' печатает справку, Ctrl-C на пустой строке
// останавливает приложение, на непустой очищает строку.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}
	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		switch key {
		case '?':
			for _, l := range buildCommandHelpLines(commandDescriptors) {
				pr.Println(l)
			}
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				return append(trimmed, line[pos:]...), pos - 1, true
			}
			return line, pos, true
		case 3: //nolint:mnd // Ctrl-C (ETX)
			if strings.TrimSpace(string(line)) != "" {
				return []rune{}, 0, true
			}
			if stop != nil {
				stop()
			}
			pr.InterruptReadline()
			return line, pos, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// handleCommand выполняет одну строку. true означает, что консоль пора закрыть.
func (s *Service) handleCommand(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var err error
	switch cmd {
	case "help":
		for _, l := range buildCommandHelpLines(commandDescriptors) {
			s.println(l)
		}
	case "dialogs":
		err = s.listDialogs(ctx, len(args) > 0 && args[0] == "refresh")
	case "join":
		err = withRoom(args, func(room string) error {
			if err := s.ctrl.RegisterListener(room, s.listener(room)); err != nil {
				return err
			}
			return s.ctrl.Join(ctx, room)
		})
	case "leave":
		err = withRoom(args, func(room string) error { return s.ctrl.Leave(ctx, room) })
	case "older":
		err = withRoom(args, func(room string) error { return s.ctrl.LoadOlder(ctx, room) })
	case "view":
		err = withRoom(args, func(room string) error { return s.view(room, args[1:]) })
	case "send":
		if len(args) < 2 {
			err = fmt.Errorf("usage: send <room> <text>")
			break
		}
		var msg chatsync.Message
		if msg, err = s.ctrl.Send(ctx, args[0], tail(line, 2)); err == nil {
			s.printf("sent #%d\n", msg.ID)
		}
	case "typing":
		err = withRoom(args, s.ctrl.Typing)
	case "read":
		err = withRoom(args, s.ctrl.MarkRead)
	case "status":
		s.printRooms()
	case "state":
		err = withRoom(args, func(room string) error {
			st, ok := s.ctrl.Status(room)
			if !ok {
				return fmt.Errorf("room %q is not active", room)
			}
			s.print(pr.Pf(st))
			return nil
		})
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		s.println("unknown command:", cmd)
	}
	if err != nil {
		s.println(cmd, "error:", err)
	}
	return false
}

// tail возвращает строку после первых skip слов, сохраняя пробелы внутри текста.
func tail(line string, skip int) string {
	rest := strings.TrimSpace(line)
	for range skip {
		_, rest, _ = strings.Cut(rest, " ")
		rest = strings.TrimSpace(rest)
	}
	return rest
}

func withRoom(args []string, fn func(room string) error) error {
	if len(args) == 0 {
		return fmt.Errorf("room is required")
	}
	if _, err := peersmgr.ParseRoom(args[0]); err != nil {
		return err
	}
	return fn(args[0])
}

func (s *Service) view(room string, args []string) error {
	n := defaultViewSize
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return fmt.Errorf("bad count %q", args[0])
		}
		n = v
	}
	msgs := s.ctrl.Messages(room)
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	for _, m := range msgs {
		s.println(formatMessage(m))
	}
	s.printf("%d of %d messages\n", len(msgs), len(s.ctrl.Messages(room)))
	return nil
}

func (s *Service) printRooms() {
	rooms := s.ctrl.Rooms()
	if len(rooms) == 0 {
		s.println("No active rooms.")
		return
	}
	for _, st := range rooms {
		line := fmt.Sprintf("%-24s %-10s messages=%d more=%t", st.Room, st.State, st.Messages, st.HasMoreOlder)
		if st.Err != nil {
			line += " err=" + st.Err.Error()
		}
		s.println(line)
	}
}

func (s *Service) listDialogs(ctx context.Context, refresh bool) error {
	if s.dialogs == nil {
		return fmt.Errorf("dialogs are not available")
	}
	if refresh {
		if err := s.dialogs.RefreshDialogs(ctx); err != nil {
			return err
		}
	}
	refs := s.dialogs.Dialogs()
	if len(refs) == 0 {
		s.println("No dialogs cached yet.")
		return nil
	}
	for _, d := range refs {
		if d.Kind == peersmgr.DialogKindFolder {
			s.printf("folder %d\n", d.ID)
			continue
		}
		s.println(d.Room())
	}
	s.printf("Total dialogs: %d\n", len(refs))
	return nil
}

func (s *Service) writer() io.Writer {
	if s.out != nil {
		return s.out
	}
	return pr.Stdout()
}

func (s *Service) print(a ...any)                 { fmt.Fprint(s.writer(), a...) }
func (s *Service) println(a ...any)               { fmt.Fprintln(s.writer(), a...) }
func (s *Service) printf(format string, a ...any) { fmt.Fprintf(s.writer(), format, a...) }

func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, d := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-20s - %s", strings.TrimSpace(d.name+" "+d.args), d.description))
	}
	return lines
}
