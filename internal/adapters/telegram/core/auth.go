// Package core содержит MTProto-обвязку клиента: терминальный вход и сборка
// telegram.Client с middleware и отложенным обработчиком апдейтов.
package core

import (
	"context"
	"strings"
	"syscall"

	"telegram-chatsync/internal/infra/pr"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"
)

func readLine(prompt string) (string, error) {
	pr.SetPrompt(prompt)
	defer pr.SetPrompt(pr.DefaultPrompt)
	line, err := pr.Rl().Readline()
	return strings.TrimSpace(line), err
}

// TerminalAuthenticator реализует auth.UserAuthenticator поверх общего readline.
// Формат номера не проверяется.
type TerminalAuthenticator struct {
	PhoneNumber string
}

var _ auth.UserAuthenticator = TerminalAuthenticator{}

func (t TerminalAuthenticator) Phone(context.Context) (string, error) {
	return t.PhoneNumber, nil
}

func (TerminalAuthenticator) Code(context.Context, *tg.AuthSentCode) (string, error) {
	return readLine("Enter the code from Telegram: ")
}

// Password читает пароль 2FA без эха.
func (TerminalAuthenticator) Password(context.Context) (string, error) {
	pr.Print("Enter 2FA password: ")
	pass, err := term.ReadPassword(syscall.Stdin)
	pr.Println()
	if err != nil {
		return "", err
	}
	return string(pass), nil
}

// AcceptTermsOfService принимает только "y"/"Y".
func (TerminalAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	pr.Printf("Telegram Terms of Service: %s\n", tos.Text)
	resp, err := readLine("Do you accept? (y/n): ")
	if err != nil {
		return err
	}
	if !strings.EqualFold(resp, "y") {
		return errors.New("user did not accept terms of service")
	}
	return nil
}

func (TerminalAuthenticator) SignUp(context.Context) (auth.UserInfo, error) {
	first, err := readLine("Enter your first name: ")
	if err != nil {
		return auth.UserInfo{}, err
	}
	last, _ := readLine("Enter your last name (optional): ")
	return auth.UserInfo{FirstName: first, LastName: last}, nil
}
