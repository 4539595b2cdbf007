package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rs/zerolog"
)

func writeConfigFile(t *testing.T, path string, vectorWeight, lexicalWeight float64) {
	t.Helper()
	body := fmt.Sprintf(`{"retrieval": {"vector_weight": %.2f, "lexical_weight": %.2f}}`,
		vectorWeight, lexicalWeight)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mnemo.json")
	writeConfigFile(t, path, 0.6, 0.4)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, zerolog.Nop(), func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })

	writeConfigFile(t, path, 0.7, 0.3)

	select {
	case cfg := <-reloaded:
		assert.InDelta(t, 0.7, cfg.Retrieval.VectorWeight, 0.001)
		assert.InDelta(t, 0.3, cfg.Retrieval.LexicalWeight, 0.001)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestWatcher_InvalidConfigDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mnemo.json")
	writeConfigFile(t, path, 0.6, 0.4)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, zerolog.Nop(), func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })

	// Weights that do not sum to 1 fail validation and never reach the
	// callback
	writeConfigFile(t, path, 0.9, 0.9)

	select {
	case <-reloaded:
		t.Fatal("invalid config should not trigger reload")
	case <-time.After(1500 * time.Millisecond):
	}
}
