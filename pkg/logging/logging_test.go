package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRespectsLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	l, err := New()
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
	assert.True(t, l.Core().Enabled(zap.WarnLevel))
}

func TestNewWritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poold.log")
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("LOG_FILE", path)

	l, err := New()
	require.NoError(t, err)
	l.Info("settlement confirmed", zap.String("pool_id", "pool-1"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "settlement confirmed")
	assert.Contains(t, string(data), "pool-1")
}
