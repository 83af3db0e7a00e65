package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestNewDefaults(t *testing.T) {
	l := New(nil)
	require.NotNil(t, l)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}

// TestNewFileOutput tests that file output goes through the rotating writer
func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipcast.log")

	l := New(&Config{Level: "debug", Format: "json", Output: "file", FilePath: path, MaxSize: 1})
	l.Debug("installing package")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"installing package"`)
	assert.Contains(t, string(data), `"level":"debug"`)
}
