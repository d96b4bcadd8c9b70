package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadCallback is invoked with the freshly loaded configuration whenever
// the config file changes on disk and parses cleanly.
type ReloadCallback func(cfg *Config)

// Watcher monitors the config file and triggers debounced reloads. Editors
// that write via temp+rename produce bursts of events for one logical save,
// so events are coalesced per stability window.
type Watcher struct {
	watcher  *fsnotify.Watcher
	loader   *Loader
	path     string
	onReload ReloadCallback
	debounce time.Duration
	timer    *time.Timer
	timerMu  sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the loader's config path
func NewWatcher(loader *Loader, onReload ReloadCallback) (*Watcher, error) {
	path, err := loader.Path()
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		watcher:  fw,
		loader:   loader,
		path:     path,
		onReload: onReload,
		debounce: 200 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory
func (w *Watcher) Start() error {
	// Watch the directory, not the file: rename-over-target replaces the
	// inode and a file watch would go stale after the first save.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop()

	log.Debug().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		cfg, err := w.loader.Load()
		if err != nil {
			log.Warn().Err(err).Msg("Config reload failed, keeping previous config")
			return
		}
		log.Info().Msg("Config reloaded")
		w.onReload(cfg)
	})
}
