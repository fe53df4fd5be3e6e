package concurrency

import (
	"context"
	"time"

	"telegram-chatsync/internal/infra/clock"
	"telegram-chatsync/internal/infra/logger"

	"go.uber.org/zap"
)

// StartTimeoutTimer вызывает cancel через timeout, если ctx не завершится раньше.
// Неположительный timeout или nil cancel ничего не запускают. Возвращает канал,
// закрывающийся по завершении горутины таймера.
func StartTimeoutTimer(ctx context.Context, timeout time.Duration, c clock.Clock, cancel context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	if timeout <= 0 || cancel == nil {
		close(done)
		return done
	}
	c = clock.OrReal(c)

	go func() {
		defer close(done)
		logger.Info("auto-shutdown timer started", zap.Duration("timeout", timeout))

		select {
		case <-c.After(timeout):
			logger.Info("auto-shutdown timeout reached, shutting down")
			cancel()
		case <-ctx.Done():
			logger.Debug("auto-shutdown timer cancelled")
		}
	}()
	return done
}
