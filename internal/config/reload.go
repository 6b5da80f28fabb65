package config

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the configuration when the file on disk changes and hands
// the new defense pattern tables to subscribers. Only the defense section is
// applied at runtime; everything else requires a restart.
type Watcher struct {
	path   string
	logger zerolog.Logger

	mu   sync.Mutex
	subs []func(DefenseConfig)
}

func NewWatcher(path string, logger zerolog.Logger) *Watcher {
	return &Watcher{path: path, logger: logger}
}

// Subscribe registers a callback invoked with the defense section after each
// successful reload.
func (w *Watcher) Subscribe(fn func(DefenseConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Run blocks until ctx is cancelled. It is a no-op when no config path was
// given.
func (w *Watcher) Run(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous")
				continue
			}
			w.logger.Info().
				Int("patterns_version", cfg.Defense.PatternsVersion).
				Msg("defense patterns reloaded")
			w.notify(cfg.Defense)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) notify(d DefenseConfig) {
	w.mu.Lock()
	subs := make([]func(DefenseConfig), len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	for _, fn := range subs {
		fn(d)
	}
}
