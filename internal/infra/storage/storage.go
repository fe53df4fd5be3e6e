// Package storage отвечает за локальное хранение состояния клиента: атомарная запись
// файлов (MTProto-сессия) и JSON-снимки в bbolt (кэш комнат).
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"telegram-chatsync/internal/infra/logger"

	"go.uber.org/zap"
)

const (
	dirPerm  os.FileMode = 0o700
	filePerm os.FileMode = 0o600
)

// EnsureDir создаёт каталог файла path, если он задан.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile пишет data во временный файл рядом с path и переименовывает
// его поверх path: читатель видит либо старое, либо полное новое содержимое.
// Порядок: write, fsync, chmod 0600, close, rename, fsync каталога (best effort).
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	steps := []struct {
		what string
		do   func() error
	}{
		{"write temp file", func() error { _, err := tmp.Write(data); return err }},
		{"fsync temp file", tmp.Sync},
		{"chmod temp file", func() error { return tmp.Chmod(filePerm) }},
	}
	for _, step := range steps {
		if err := step.do(); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("%s: %w", step.what, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		if syncErr := d.Sync(); syncErr != nil {
			logger.Warn("atomic write: dir sync failed", zap.String("dir", dir), zap.Error(syncErr))
		}
		_ = d.Close()
	}
	return nil
}
