package retry

import (
	"strings"
	"time"

	"telegram-chatsync/internal/infra/backoff"
)

// WaitExtractor достаёт из ошибки паузу, которую назвал сервер
// (например FLOOD_WAIT). Если ok, пауза заменяет расчётную задержку.
type WaitExtractor func(error) (time.Duration, bool)

// StopRetryer реализуют ошибки, которые нельзя повторять ни при каких шаблонах.
type StopRetryer interface {
	StopRetry() bool
}

// Options: параметры одного вызова. Значения неизменяемы на время вызова:
// исполнитель сливает свои умолчания с переопределениями Option.
type Options struct {
	Name        string // метка операции для логов и метрик
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool

	// RetryablePatterns: подстроки сообщения ошибки (без учёта регистра).
	// Пустой список вместе с пустым RetryIf означает «повторять всё».
	RetryablePatterns []string
	// RetryIf: типизированный классификатор, объединяется с шаблонами по ИЛИ.
	RetryIf func(error) bool

	WaitExtractors []WaitExtractor
	OnRetry        func(attempt int, err error)
}

// DefaultOptions: три попытки, 1с..30с с джиттером, повторяем любые ошибки.
var DefaultOptions = Options{
	Name:        "op",
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
	Jitter:      true,
}

// DefaultRetryablePatterns: типовые признаки временных сетевых сбоев.
var DefaultRetryablePatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"network",
	"temporarily unavailable",
	"eof",
	"502",
	"503",
	"504",
}

// Option переопределяет поле Options на один вызов.
type Option func(*Options)

func WithName(name string) Option { return func(o *Options) { o.Name = name } }

func WithMaxAttempts(n int) Option { return func(o *Options) { o.MaxAttempts = n } }

func WithBaseDelay(d time.Duration) Option { return func(o *Options) { o.BaseDelay = d } }

func WithMaxDelay(d time.Duration) Option { return func(o *Options) { o.MaxDelay = d } }

func WithJitter(on bool) Option { return func(o *Options) { o.Jitter = on } }

// WithRetryablePatterns заменяет список шаблонов. Без аргументов очищает его.
func WithRetryablePatterns(patterns ...string) Option {
	return func(o *Options) {
		o.RetryablePatterns = append([]string(nil), patterns...)
	}
}

func WithRetryIf(pred func(error) bool) Option { return func(o *Options) { o.RetryIf = pred } }

// WithWaitExtractors добавляет экстракторы серверных пауз к уже заданным.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(o *Options) {
		for _, ex := range extractors {
			if ex != nil {
				o.WaitExtractors = append(o.WaitExtractors, ex)
			}
		}
	}
}

func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(o *Options) { o.OnRetry = fn }
}

// policy возвращает backoff-политику этого набора опций.
func (o Options) policy() backoff.Policy {
	return backoff.Policy{Base: o.BaseDelay, Max: o.MaxDelay, Jitter: o.Jitter}
}

// matches решает, считать ли ошибку временной по шаблонам и предикату.
func (o Options) matches(err error) bool {
	if o.RetryIf != nil && o.RetryIf(err) {
		return true
	}
	if len(o.RetryablePatterns) == 0 {
		return o.RetryIf == nil
	}
	msg := strings.ToLower(err.Error())
	for _, p := range o.RetryablePatterns {
		if p != "" && strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (o Options) serverWait(err error) (time.Duration, bool) {
	for _, ex := range o.WaitExtractors {
		if d, ok := ex(err); ok {
			return d, true
		}
	}
	return 0, false
}
