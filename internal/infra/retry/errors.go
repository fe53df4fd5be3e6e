package retry

import (
	"errors"
	"fmt"
)

// Error (RetryError) возвращается, когда попытки исчерпаны, ошибка признана
// невременной или контекст отменён во время паузы. Last хранит последнюю ошибку
// операции; errors.Is/As доходят до неё и до причины прерывания.
type Error struct {
	Message  string
	Attempts int
	Last     error

	cause error
}

func (e *Error) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s after %d attempt(s)", e.Message, e.Attempts)
	}
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Message, e.Attempts, e.Last)
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Last != nil {
		out = append(out, e.Last)
	}
	if e.cause != nil {
		out = append(out, e.cause)
	}
	return out
}

// AsError достаёт *Error из цепочки.
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// PanicError: паника внутри операции, превращённая в обычную ошибку.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("operation panicked: %v", e.Value) }

// Permanent помечает ошибку как заведомо неповторяемую.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) StopRetry() bool { return true }
