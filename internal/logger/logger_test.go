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

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"verbose", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log, err := New(tt.level, "json")
			require.NoError(t, err)
			assert.Equal(t, tt.want, log.Level())
		})
	}
}

func TestBuild_JSONOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")

	log, err := build("info", "json", []string{path})
	require.NoError(t, err)
	log.Debug("hidden")
	log.Info("Tile filled", zap.String("variable", "band_1"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Tile filled", entry["msg"])
	assert.Equal(t, "band_1", entry["variable"])
	assert.Equal(t, "rastercache", entry["service"])
	assert.Equal(t, "info", entry["level"])
}
