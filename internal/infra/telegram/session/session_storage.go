// Package session хранит MTProto-сессию в файле.
package session

import (
	"context"
	"os"
	"sync"

	"telegram-chatsync/internal/infra/logger"
	"telegram-chatsync/internal/infra/storage"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"
)

// FileStorage реализует tdsession.Storage с атомарной записью. Успешная запись
// означает живую авторизацию, поэтому OnStore (если задан) сообщает об этом
// монитору соединения.
type FileStorage struct {
	Path    string
	OnStore func()

	mu sync.Mutex
}

var _ tdsession.Storage = (*FileStorage)(nil)

// LoadSession читает файл сессии; отсутствие файла даёт tdsession.ErrNotFound.
func (f *FileStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession атомарно перезаписывает файл сессии.
func (f *FileStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return errors.Wrap(err, "store session")
	}
	logger.Debug("session: stored")
	if f.OnStore != nil {
		f.OnStore()
	}
	return nil
}
