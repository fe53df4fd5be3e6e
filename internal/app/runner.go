package app

import (
	"context"
	"sync"

	tgchatsync "telegram-chatsync/internal/adapters/telegram/chatsync"
	"telegram-chatsync/internal/adapters/telegram/core"
	"telegram-chatsync/internal/infra/concurrency"
	"telegram-chatsync/internal/infra/config"
	"telegram-chatsync/internal/infra/logger"
	"telegram-chatsync/internal/infra/storage"
	"telegram-chatsync/internal/infra/telegram/connection"
	"telegram-chatsync/internal/infra/telegram/peersmgr"

	"github.com/go-faster/errors"
	boltstor "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/auth"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// telegramRunner владеет MTProto-сессией: клиент, пиры, менеджер апдейтов,
// монитор связи и realtime-канал комнат. start возвращается, когда клиент
// авторизован и поток апдейтов запущен; stop гасит всё в обратном порядке.
type telegramRunner struct {
	cfg     config.EnvConfig
	stopApp context.CancelFunc

	client     *core.Client
	peers      *peersmgr.Service
	monitor    *connection.Monitor
	dedup      *concurrency.Deduplicator
	dispatcher tg.UpdateDispatcher
	channel    *tgchatsync.Channel
	stateDB    *bbolt.DB
	updMgr     *tgupdates.Manager

	done      chan error // результат client.Run
	updatesWG sync.WaitGroup
}

func newTelegramRunner(cfg config.EnvConfig, stopApp context.CancelFunc) *telegramRunner {
	return &telegramRunner{cfg: cfg, stopApp: stopApp}
}

// build собирает клиент и всё, что должно существовать до client.Run:
// обработчики диспетчера регистрируются до первого апдейта.
func (r *telegramRunner) build(ctx context.Context) error {
	r.client = core.NewClient(core.ClientOptions{
		APIID:       r.cfg.APIID,
		APIHash:     r.cfg.APIHash,
		SessionFile: r.cfg.SessionFile,
		TestDC:      r.cfg.TestDC,
		RPS:         r.cfg.ThrottleRPS,
		OnDead: func() {
			r.monitor.MarkDisconnected()
		},
	})
	r.monitor = connection.NewMonitor(connection.SelfProber(r.client.Client))
	r.dedup = concurrency.NewDeduplicator(r.cfg.DedupWindow, nil)

	peers, err := peersmgr.New(r.client.API(), r.cfg.PeersCacheFile)
	if err != nil {
		return errors.Wrap(err, "init peers manager")
	}
	r.peers = peers
	if err := peers.LoadFromStorage(ctx); err != nil {
		return errors.Wrap(err, "load peers storage")
	}

	stateDB, err := storage.OpenBolt(r.cfg.StateFile)
	if err != nil {
		return errors.Wrap(err, "open updates state")
	}
	r.stateDB = stateDB

	r.dispatcher = tg.NewUpdateDispatcher()
	r.channel = tgchatsync.NewChannel(peers, r.dedup, r.monitor)
	r.channel.Register(r.dispatcher)

	r.updMgr = tgupdates.New(tgupdates.Config{
		Handler:      r.dispatcher,
		Storage:      boltstor.NewStateStorage(stateDB),
		AccessHasher: peers.Mgr,
	})
	r.client.Updates.Set(contribstorage.UpdateHook(peers.Mgr.UpdateHook(r.updMgr), peers.Store()))
	return nil
}

func (r *telegramRunner) start(ctx context.Context) error {
	if err := r.build(ctx); err != nil {
		r.release()
		return err
	}

	ready := make(chan struct{})
	r.done = make(chan error, 1)
	go func() {
		err := r.client.Run(ctx, func(ctx context.Context) error {
			if err := r.session(ctx); err != nil {
				return err
			}
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("telegram client stopped", zap.Error(err))
			r.stopApp()
		}
		r.done <- err
	}()

	select {
	case <-ready:
		return nil
	case err := <-r.done:
		r.done <- err
		_ = r.stop(context.WithoutCancel(ctx))
		if err == nil {
			err = ctx.Err()
		}
		return errors.Wrap(err, "telegram client")
	}
}

// session выполняется внутри client.Run: вход, прогрев пиров, запуск
// менеджера апдейтов и фоновых служб.
func (r *telegramRunner) session(ctx context.Context) error {
	self, err := r.login(ctx)
	if err != nil {
		return err
	}

	if err := r.peers.Mgr.Init(ctx); err != nil {
		return errors.Wrap(err, "init peers")
	}
	if err := r.peers.WarmupIfEmpty(ctx); err != nil {
		// без прогрева комнаты всё равно резолвятся по сети
		logger.Warn("peers warmup failed", zap.Error(err))
	}

	r.monitor.Start(ctx)
	r.monitor.MarkConnected()
	r.dedup.Start(ctx)

	r.updatesWG.Go(func() {
		err := r.updMgr.Run(ctx, r.client.API(), self.ID, tgupdates.AuthOptions{
			OnStart: func(context.Context) { logger.Debug("updates manager started") },
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("updates manager stopped", zap.Error(err))
			r.stopApp()
		}
	})
	return nil
}

func (r *telegramRunner) login(ctx context.Context) (*tg.User, error) {
	flow := auth.NewFlow(
		core.TerminalAuthenticator{PhoneNumber: r.cfg.PhoneNumber},
		auth.SendCodeOptions{},
	)
	if err := r.client.Auth().IfNecessary(ctx, flow); err != nil {
		return nil, errors.Wrap(err, "auth")
	}

	self, err := r.client.Self(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "self")
	}
	logger.Info("logged in",
		zap.String("first_name", self.FirstName),
		zap.String("username", self.Username),
		zap.Int64("id", self.ID),
	)
	return self, nil
}

// stop вызывается после отмены контекста подсистемы: client.Run уже
// завершается, ждём его и освобождаем хранилища.
func (r *telegramRunner) stop(context.Context) error {
	var err error
	if r.done != nil {
		err = <-r.done
		r.done = nil
	}
	r.updatesWG.Wait()
	r.release()

	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *telegramRunner) release() {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.dedup != nil {
		r.dedup.Stop()
	}
	if r.monitor != nil {
		r.monitor.Stop()
	}
	if r.peers != nil {
		if err := r.peers.Close(); err != nil {
			logger.Warn("close peers storage", zap.Error(err))
		}
	}
	if r.stateDB != nil {
		if err := r.stateDB.Close(); err != nil {
			logger.Warn("close updates state", zap.Error(err))
		}
	}
}
