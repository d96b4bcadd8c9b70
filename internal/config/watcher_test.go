package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher(t *testing.T) {
	t.Run("should reload when the file changes", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "coda.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"provider":"openai"}`), 0600))

		reloaded := make(chan *Config, 1)
		w, err := NewWatcher(NewLoader(path), func(cfg *Config) {
			select {
			case reloaded <- cfg:
			default:
			}
		})
		require.NoError(t, err)
		require.NoError(t, w.Start())
		defer w.Stop()

		// Give the directory watch a moment to register before writing.
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, os.WriteFile(path, []byte(`{"provider":"anthropic"}`), 0600))

		select {
		case cfg := <-reloaded:
			assert.Equal(t, "anthropic", cfg.Provider)
		case <-time.After(3 * time.Second):
			t.Fatal("reload callback never fired")
		}
	})

	t.Run("should keep previous config when the new file is invalid", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "coda.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"provider":"openai"}`), 0600))

		reloaded := make(chan struct{}, 1)
		w, err := NewWatcher(NewLoader(path), func(*Config) {
			select {
			case reloaded <- struct{}{}:
			default:
			}
		})
		require.NoError(t, err)
		require.NoError(t, w.Start())
		defer w.Stop()

		time.Sleep(100 * time.Millisecond)
		require.NoError(t, os.WriteFile(path, []byte(`{"provider":"gemini"}`), 0600))

		select {
		case <-reloaded:
			t.Fatal("callback fired for a config that fails validation")
		case <-time.After(time.Second):
		}
	})

	t.Run("should ignore sibling files", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "coda.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"provider":"openai"}`), 0600))

		reloaded := make(chan struct{}, 1)
		w, err := NewWatcher(NewLoader(path), func(*Config) {
			select {
			case reloaded <- struct{}{}:
			default:
			}
		})
		require.NoError(t, err)
		require.NoError(t, w.Start())
		defer w.Stop()

		time.Sleep(100 * time.Millisecond)
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "other.json"), []byte(`{}`), 0600))

		select {
		case <-reloaded:
			t.Fatal("callback fired for an unrelated file")
		case <-time.After(500 * time.Millisecond):
		}
	})
}
