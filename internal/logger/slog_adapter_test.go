package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogHandlerForwardsIntoLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	l, err := New(LevelInfo, path, "")
	require.NoError(t, err)

	sl := slog.New(NewSlogHandler(l))
	sl.Debug("below the level")
	sl.Info("request done", "status", 200)
	sl.With("conn", "ws-1").Warn("slow consumer")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.NotContains(t, content, "below the level")
	assert.Contains(t, content, "[INFO] request done status=200")
	assert.Contains(t, content, "[WARN] slow consumer conn=ws-1")
}

func TestSlogHandlerGroupsPrefixKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	l, err := New(LevelDebug, path, "")
	require.NoError(t, err)

	sl := slog.New(NewSlogHandler(l)).WithGroup("session")
	sl.Error("turn failed", "id", "t1")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[ERROR] turn failed session.id=t1")
}

func TestSlogHandlerNilLogger(t *testing.T) {
	assert.Nil(t, NewSlogHandler(nil))
}
