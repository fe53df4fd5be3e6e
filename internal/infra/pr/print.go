// Package pr: вывод в интерактивной консоли. После Init stdout/stderr
// идут через readline, чтобы логи и ответы команд не ломали строку ввода.
package pr

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/chzyer/readline"
	"github.com/kr/pretty"
)

// DefaultPrompt: приглашение CLI.
const DefaultPrompt = "chatsync> "

var (
	mu     sync.Mutex
	rl     *readline.Instance
	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr

	// stdin, закрытие которого прерывает Readline с io.EOF
	cancelableIn io.Closer
)

// Init поднимает readline поверх отменяемого stdin. Вызывается один раз.
func Init() error {
	cs := readline.NewCancelableStdin(os.Stdin)
	inst, err := readline.NewEx(&readline.Config{
		Prompt:          DefaultPrompt,
		Stdin:           cs,
		HistoryLimit:    200,
		InterruptPrompt: "^C",
	})
	if err != nil {
		_ = cs.Close()
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	rl = inst
	cancelableIn = cs
	out = inst.Stdout()
	errOut = inst.Stderr()
	return nil
}

// InterruptReadline будит ожидающий Readline.
func InterruptReadline() {
	mu.Lock()
	c := cancelableIn
	mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// SetPrompt меняет приглашение; до Init ничего не делает.
func SetPrompt(prompt string) {
	if inst := Rl(); inst != nil {
		inst.SetPrompt(prompt)
	}
}

// Rl возвращает readline или nil до Init.
func Rl() *readline.Instance {
	mu.Lock()
	defer mu.Unlock()
	return rl
}

func Stdout() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return out
}

func Stderr() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return errOut
}

// SetOutput подменяет потоки вывода (тесты, перенаправление).
func SetOutput(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out, errOut = stdout, stderr
}

func Print(a ...any)                 { fmt.Fprint(Stdout(), a...) }
func Println(a ...any)               { fmt.Fprintln(Stdout(), a...) }
func Printf(format string, a ...any) { fmt.Fprintf(Stdout(), format, a...) }

func ErrPrintln(a ...any)               { fmt.Fprintln(Stderr(), a...) }
func ErrPrintf(format string, a ...any) { fmt.Fprintf(Stderr(), format, a...) }

// PP печатает значение через kr/pretty.
func PP(v any) {
	fmt.Fprintf(Stdout(), "%# v\n", pretty.Formatter(v))
}

// Pf возвращает pretty-строку значения.
func Pf(v any) string {
	return fmt.Sprintf("%# v\n", pretty.Formatter(v))
}
