// File: control/hotreload.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Debounced configuration file watcher.

package control

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce collapses editor write bursts into one reload.
const DefaultDebounce = 200 * time.Millisecond

// FileWatcher triggers a callback when a single file changes. The parent
// directory is watched so that atomic rename-into-place saves are seen.
type FileWatcher struct {
	path     string
	debounce time.Duration
	log      zerolog.Logger
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// NewFileWatcher prepares a watcher for path. A non-positive debounce uses
// DefaultDebounce.
func NewFileWatcher(path string, debounce time.Duration, log zerolog.Logger) (*FileWatcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(abs), err)
	}
	return &FileWatcher{
		path:     abs,
		debounce: debounce,
		log:      log.With().Str("component", "watcher").Str("path", abs).Logger(),
		watcher:  w,
	}, nil
}

// Watch blocks until ctx is done, calling onChange after each debounced
// burst of events on the file.
func (fw *FileWatcher) Watch(ctx context.Context, onChange func() error) error {
	defer fw.stop()
	fw.log.Info().Dur("debounce", fw.debounce).Msg("watching configuration file")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != fw.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			fw.log.Debug().Str("op", ev.Op.String()).Msg("file event")
			fw.trigger(func() {
				if err := onChange(); err != nil {
					fw.log.Error().Err(err).Msg("reload failed")
				}
			})
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			fw.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (fw *FileWatcher) trigger(fn func()) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, fn)
}

func (fw *FileWatcher) stop() {
	fw.mu.Lock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.mu.Unlock()
	fw.watcher.Close()
}
