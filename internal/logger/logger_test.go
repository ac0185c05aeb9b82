package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	log := New(Options{Level: "debug", File: path, MaxSizeMB: 1})

	log.Debug("fold committed", zap.String("asset", "USDC"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "fold committed", entry["msg"])
	assert.Equal(t, "USDC", entry["asset"])
	assert.Equal(t, "debug", entry["level"])
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	log := New(Options{Level: "loud"})
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
}
