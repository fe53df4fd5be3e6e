package logger_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"telegram-chatsync/internal/infra/logger"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Логгер глобальный, поэтому тесты пакета идут последовательно.

func TestConsoleLevelAndWriters(t *testing.T) {
	var out bytes.Buffer
	logger.Init("warn", logger.FileOptions{})
	logger.SetWriters(&out, &out)
	t.Cleanup(func() {
		logger.SetWriters(nil, nil)
		logger.Init("info", logger.FileOptions{})
	})

	logger.Info("hidden")
	logger.Warnf("room %s is slow", "user:1")

	require.NotContains(t, out.String(), "hidden")
	require.Contains(t, out.String(), "room user:1 is slow")
	require.False(t, logger.IsDebugEnabled())
}

func TestFileSinkWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.log")
	logger.Init("error", logger.FileOptions{Path: path, Level: "debug", MaxSizeMB: 1})
	logger.SetWriters(&bytes.Buffer{}, &bytes.Buffer{})
	t.Cleanup(func() {
		logger.SetWriters(nil, nil)
		logger.Init("info", logger.FileOptions{})
	})

	logger.Debug("page fetched", zap.String("room", "chat:7"))
	require.True(t, logger.IsDebugEnabled())
	logger.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"page fetched"`)
	require.Contains(t, string(data), `"room":"chat:7"`)
}
