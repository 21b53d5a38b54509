// Package watcher reports changes to configuration files.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher calls onChange after any of its files is written, created,
// replaced or removed. It watches the parent directories since editors and
// atomic writers replace files rather than modifying them in place.
type Watcher struct {
	targets  map[string]struct{}
	dirs     []string
	onChange func(path string)
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	changed string
}

// New creates a watcher for paths.
func New(paths []string, onChange func(path string)) *Watcher {
	w := &Watcher{
		targets:  make(map[string]struct{}, len(paths)),
		onChange: onChange,
		debounce: DefaultDebounce,
	}
	seen := make(map[string]struct{})
	for _, p := range paths {
		clean := filepath.Clean(p)
		w.targets[clean] = struct{}{}
		dir := filepath.Dir(clean)
		if _, ok := seen[dir]; !ok {
			seen[dir] = struct{}{}
			w.dirs = append(w.dirs, dir)
		}
	}
	return w
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	for _, dir := range w.dirs {
		if err := fsw.Add(dir); err != nil {
			log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory")
		}
	}

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			path := filepath.Clean(event.Name)
			if _, tracked := w.targets[path]; !tracked {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			log.Debug().Str("path", path).Str("op", event.Op.String()).Msg("Config file event")
			w.schedule(path)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

// schedule restarts the debounce timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.changed = path
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	path := w.changed
	w.timer = nil
	w.mu.Unlock()

	log.Info().Str("path", path).Msg("Config file changed")
	if w.onChange != nil {
		w.onChange(path)
	}
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
