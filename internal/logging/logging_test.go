package logging

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ozealis-ng/internal/diag"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	require.Equal(t, zapcore.WarnLevel, ParseLevel(" warn "))
	require.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	require.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestNew_TeesIntoBuffer(t *testing.T) {
	buf := diag.NewLogBuffer(10)
	log, err := New("warn", "json", "ozealis-ng", buf)
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("supply low", zap.Float64("vin", 9.7))
	_ = log.Sync()

	lines, _ := buf.Snapshot(0)
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "supply low", entry["msg"])
	require.Equal(t, "ozealis-ng", entry["service_name"])
	require.Equal(t, 9.7, entry["vin"])
	require.Contains(t, entry, "timestamp")
}

func TestNew_Console(t *testing.T) {
	log, err := New("debug", "console", "", nil)
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(zapcore.DebugLevel))
}
