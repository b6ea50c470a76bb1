package config

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	log "github.com/dify2openai/difybridge/internal/logging"
)

// Store holds the current config snapshot and hot-reloads it when the file
// changes. Readers call Current() and get a consistent immutable snapshot;
// a reload swaps the pointer atomically.
type Store struct {
	path    string
	current atomic.Pointer[Config]
}

// NewStore loads the config file and returns a store around it.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(cfg)
	return s, nil
}

// Current returns the active config snapshot.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Path returns the watched file path.
func (s *Store) Path() string {
	return s.path
}

// Watch reloads the config on file writes until ctx is cancelled. A broken
// edit keeps the previous snapshot active. Editors that replace the file
// (rename-over) are handled by re-adding the watch.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = watcher.Add(s.path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var pending *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if ev.Op&fsnotify.Rename != 0 {
					_ = watcher.Add(s.path)
				}
				// Debounce: editors fire several events per save.
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, s.reload)
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(errWatch).Warn("config watcher error")
			}
		}
	}()
	return nil
}

func (s *Store) reload() {
	cfg, err := Load(s.path)
	if err != nil {
		log.WithError(err).Warnf("config reload failed, keeping previous snapshot")
		return
	}
	s.current.Store(cfg)
	log.Infof("config reloaded: %d model mappings", len(cfg.Models))
}
