package core

import (
	"context"
	"sync"

	"telegram-chatsync/internal/infra/telegram/session"

	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"
)

const appVersion = "chatsync 0.3.0"

// LazyUpdateHandler откладывает установку настоящего обработчика апдейтов:
// updates.Manager создаётся после клиента, а клиенту обработчик нужен сразу.
type LazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *LazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler == nil {
		return nil
	}
	return h.handler.Handle(ctx, u)
}

// Set подменяет обработчик.
func (h *LazyUpdateHandler) Set(handler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// ClientOptions: параметры MTProto-клиента.
type ClientOptions struct {
	APIID       int
	APIHash     string
	SessionFile string
	TestDC      bool
	// RPS: лимит исходящих RPC в секунду, burst = 2*RPS.
	RPS    int
	OnDead func()
}

// Client: telegram.Client вместе с FLOOD_WAIT-ожидателем и отложенным обработчиком.
type Client struct {
	*telegram.Client
	Waiter  *floodwait.Waiter
	Updates *LazyUpdateHandler
}

// NewClient собирает клиент: файловая сессия, floodwait и ratelimit middleware.
func NewClient(o ClientOptions) *Client {
	waiter := floodwait.NewWaiter()
	updates := &LazyUpdateHandler{}
	rps := max(o.RPS, 1)

	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: o.SessionFile},
		UpdateHandler:  updates,
		Middlewares: []telegram.Middleware{
			waiter,
			ratelimit.New(rate.Limit(rps), rps*2), //nolint:mnd // burst = 2*rate
		},
		OnDead: o.OnDead,
		Device: telegram.DeviceConfig{
			DeviceModel:   "chatsync",
			SystemVersion: "linux",
			AppVersion:    appVersion,
		},
	}
	if o.TestDC {
		options.DCList = dcs.Test()
	}

	return &Client{
		Client:  telegram.NewClient(o.APIID, o.APIHash, options),
		Waiter:  waiter,
		Updates: updates,
	}
}

// Run запускает клиент внутри floodwait.Waiter и вызывает f после подключения.
func (c *Client) Run(ctx context.Context, f func(ctx context.Context) error) error {
	return c.Waiter.Run(ctx, func(ctx context.Context) error {
		return c.Client.Run(ctx, f)
	})
}
