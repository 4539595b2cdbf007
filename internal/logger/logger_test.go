package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ConsoleOnly(t *testing.T) {
	l, err := New(Config{Level: "info", Console: true})
	require.NoError(t, err)
	defer l.Close()

	assert.NotNil(t, l)
}

func TestNew_FileOutput(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "logs", "engine.log")

	l, err := New(Config{Level: "debug", File: logPath})
	require.NoError(t, err)

	lg := l.Get()
	lg.Info().Str("key", "value").Msg("hello")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "value")
}

func TestNew_InvalidLevelDefaultsToInfo(t *testing.T) {
	l, err := New(Config{Level: "bogus", Console: true})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, "info", l.Get().GetLevel().String())
}

func TestNop(t *testing.T) {
	l := Nop()
	// Should not panic or write anywhere
	l.Error().Msg("ignored")
}
