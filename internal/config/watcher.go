package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher observes the files registered through Add (the daemon registers
// the data directory's .env file), coalescing change bursts into a single
// reload callback. Editors replace files via rename, so the watch
// is on the parent directory rather than the file itself.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu       sync.Mutex
	watched  map[string]struct{} // absolute file paths of interest
	onChange func(path string)
}

// NewWatcher creates a watcher delivering debounced change notifications
// through onChange.
func NewWatcher(onChange func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:      fsw,
		debounce: 500 * time.Millisecond,
		watched:  make(map[string]struct{}),
		onChange: onChange,
	}, nil
}

// Add registers a file of interest; its parent directory is watched.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.watched[abs] = struct{}{}
	w.mu.Unlock()
	return w.fsw.Add(filepath.Dir(abs))
}

// Run pumps fsnotify events until ctx is cancelled. Changes to the same
// path within the debounce window collapse into one callback.
func (w *Watcher) Run(ctx context.Context) {
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			w.mu.Lock()
			_, interested := w.watched[abs]
			w.mu.Unlock()
			if interested {
				pending[abs] = time.Now()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watcher error")
		case now := <-ticker.C:
			for path, at := range pending {
				if now.Sub(at) >= w.debounce {
					delete(pending, path)
					w.onChange(path)
				}
			}
		}
	}
}
