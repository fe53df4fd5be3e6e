// Package app: верхний уровень сборки chatsync. Здесь связываются
// конфигурация, MTProto-клиент, контроллер синхронизации комнат и внешние
// поверхности (CLI и web). Подсистемы регистрируются в lifecycle.Manager и
// поднимаются в порядке зависимостей: store, telegram, sync, cli, web.
package app

import (
	"context"
	"time"

	tgchatsync "telegram-chatsync/internal/adapters/telegram/chatsync"
	"telegram-chatsync/internal/adapters/cli"
	"telegram-chatsync/internal/adapters/web"
	"telegram-chatsync/internal/domain/chatsync"
	"telegram-chatsync/internal/infra/concurrency"
	"telegram-chatsync/internal/infra/config"
	"telegram-chatsync/internal/infra/lifecycle"
	"telegram-chatsync/internal/infra/logger"
	"telegram-chatsync/internal/infra/metrics"
	"telegram-chatsync/internal/infra/retry"
	"telegram-chatsync/internal/infra/storage"
	"telegram-chatsync/internal/infra/throttle"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 15 * time.Second
	snapshotBucket  = "rooms"
)

// App агрегирует подсистемы и их порядок запуска.
type App struct {
	cfg  config.EnvConfig
	stop context.CancelFunc

	units *lifecycle.Manager

	snapshotDB *bbolt.DB
	snapshots  *storage.JSONStore[chatsync.Snapshot]

	tg   *telegramRunner
	ctrl *chatsync.Controller
	hub  *web.Hub
	cli  *cli.Service
	web  *web.Server
}

// New собирает каркас приложения. stop инициирует общий shutdown
// (команда exit, автоостановка, падение клиента).
func New(cfg config.EnvConfig, stop context.CancelFunc) *App {
	a := &App{
		cfg:   cfg,
		stop:  stop,
		units: lifecycle.New(),
		hub:   web.NewHub(0),
	}
	a.tg = newTelegramRunner(cfg, stop)
	return a
}

// Run поднимает подсистемы и блокируется до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	logger.Info("chatsync initializing...")
	metrics.Register()

	if err := a.register(); err != nil {
		return err
	}
	if err := a.units.Start(ctx); err != nil {
		if ctx.Err() != nil {
			// остановка пришла во время входа
			logger.Info("startup interrupted", zap.Error(err))
			return nil
		}
		return errors.Wrap(err, "start")
	}
	logger.Info("chatsync running")

	autoStop := concurrency.StartTimeoutTimer(ctx, a.cfg.AutoShutdown, nil, a.stop)

	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := a.units.Shutdown(shutdownCtx)
	<-autoStop
	return err
}

type unitDef struct {
	name  string
	deps  []string
	start lifecycle.StartFunc
	stop  lifecycle.StopFunc
}

func (a *App) register() error {
	units := []unitDef{
		{"store", nil, a.startStore, a.stopStore},
		{"telegram", nil, a.tg.start, a.tg.stop},
		{"sync", []string{"store", "telegram"}, a.startSync, a.stopSync},
		{"cli", []string{"sync"}, a.startCLI, a.stopCLI},
	}
	if a.cfg.WebServerEnable {
		units = append(units, unitDef{"web", []string{"sync"}, a.startWeb, a.stopWeb})
	}
	for _, u := range units {
		if err := a.units.Register(u.name, u.deps, u.start, u.stop); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) startStore(context.Context) error {
	db, err := storage.OpenBolt(a.cfg.SnapshotFile)
	if err != nil {
		return err
	}
	store, err := storage.NewJSONStore[chatsync.Snapshot](db, snapshotBucket)
	if err != nil {
		_ = db.Close()
		return err
	}
	a.snapshotDB, a.snapshots = db, store
	return nil
}

func (a *App) stopStore(context.Context) error {
	if a.snapshotDB == nil {
		return nil
	}
	return a.snapshotDB.Close()
}

// retryDefaults переводит настройки окружения в умолчания исполнителя повторов.
func retryDefaults(cfg config.EnvConfig) retry.Options {
	return retry.Options{
		Name:              "telegram",
		MaxAttempts:       cfg.RetryMaxAttempts,
		BaseDelay:         cfg.RetryBaseDelay,
		MaxDelay:          cfg.RetryMaxDelay,
		Jitter:            cfg.RetryJitter,
		RetryablePatterns: cfg.RetryPatterns,
		WaitExtractors:    []retry.WaitExtractor{tgchatsync.FloodWaitExtractor()},
	}
}

func (a *App) startSync(context.Context) error {
	monitor := a.tg.monitor
	exec := retry.NewExecutor(retryDefaults(a.cfg))
	joins := retry.NewManager(exec, retry.WithQuietWindow(a.cfg.RetryQuietWindow))

	api := a.tg.client.API()
	outbound := tgchatsync.NewOutbound(api, a.tg.peers)
	ctrl, err := chatsync.New(chatsync.Options{
		Channel:    a.tg.channel,
		Fetcher:    tgchatsync.NewHistory(api, a.tg.peers, a.tg.peers),
		Sender:     outbound,
		ReadMarker: outbound,
		Typer:      outbound,
		Store:      a.snapshots,
		Retry:      exec,
		Joins:      joins,
		RetryOptions: []retry.Option{
			// разрыв связи переводит комнаты в Joining до восстановления
			retry.WithOnRetry(func(_ int, err error) { monitor.HandleError(err) }),
		},
		Limiter: throttle.NewRateLimiter(
			a.cfg.SendRateTokens, a.cfg.SendRateRefill, a.cfg.SendRateInterval,
		),
		InitialWindow:     a.cfg.SyncInitialWindow,
		PageSize:          a.cfg.SyncPageSize,
		ReadBatchSize:     a.cfg.ReadBatchSize,
		ReadBatchWait:     a.cfg.ReadBatchWait,
		ReadBatchDebounce: a.cfg.ReadBatchDebounce,
		TypingInterval:    a.cfg.TypingThrottle,
		SnapshotDelay:     a.cfg.SnapshotDebounce,
	})
	if err != nil {
		return err
	}
	a.ctrl = ctrl
	return nil
}

func (a *App) stopSync(ctx context.Context) error {
	if a.ctrl == nil {
		return nil
	}
	return a.ctrl.Stop(ctx)
}

// roomListener: слушатель, которого CLI назначает комнате при join:
// консольный вывод и рассылка подписчикам web.
func (a *App) roomListener(string) chatsync.Listener {
	return chatsync.Fanout{cli.Printer{}, a.hub}
}

func (a *App) startCLI(ctx context.Context) error {
	a.cli = cli.NewService(a.ctrl, a.tg.peers, a.roomListener, a.stop)
	a.cli.Start(ctx)
	return nil
}

func (a *App) stopCLI(context.Context) error {
	if a.cli != nil {
		a.cli.Stop()
	}
	return nil
}

func (a *App) startWeb(context.Context) error {
	a.web = web.NewServer(a.cfg.WebServerAddress, a.hub, a.ctrl)
	go func() {
		if err := a.web.Start(); err != nil {
			logger.Error("web server failed", zap.Error(err))
			a.stop()
		}
	}()
	return nil
}

func (a *App) stopWeb(ctx context.Context) error {
	if a.web == nil {
		return nil
	}
	return a.web.Shutdown(ctx)
}
