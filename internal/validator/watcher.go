package validator

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"mathmotion/internal/logging"
)

// RulesWatcher reloads the denylist when the rules file changes on disk.
// Rules can then be tightened without restarting the service.
type RulesWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	validator   *Validator
	rulesPath   string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewRulesWatcher creates a watcher for the given rules file.
func NewRulesWatcher(rulesPath string, v *Validator) (*RulesWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &RulesWatcher{
		watcher:     watcher,
		validator:   v,
		rulesPath:   filepath.Clean(rulesPath),
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
// The parent directory is watched because editors replace files on save.
func (w *RulesWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.rulesPath)); err != nil {
		return err
	}

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	logging.Validator("watching rules file: %s", w.rulesPath)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *RulesWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryValidator).Errorf("error closing rules watcher: %v", err)
	}
}

func (w *RulesWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryValidator).Errorf("rules watcher error: %v", err)

		case <-debounceTicker.C:
			w.processDebounced()
		}
	}
}

func (w *RulesWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.rulesPath {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *RulesWatcher) processDebounced() {
	w.mu.Lock()
	now := time.Now()
	reload := false
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			delete(w.debounceMap, path)
			reload = true
		}
	}
	w.mu.Unlock()

	if !reload {
		return
	}

	rules, err := LoadRules(w.rulesPath)
	if err != nil {
		// Keep the previous rules; a half-written file must not
		// take the validator down.
		logging.Get(logging.CategoryValidator).Warnf("rules reload failed, keeping previous set: %v", err)
		return
	}
	if err := w.validator.SetRules(rules); err != nil {
		logging.Get(logging.CategoryValidator).Warnf("rules reload failed, keeping previous set: %v", err)
		return
	}
	logging.Validator("rules reloaded from %s", w.rulesPath)
}
