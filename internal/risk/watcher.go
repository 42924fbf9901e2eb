package risk

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"conductor/pkg/logger"
)

const reloadDebounce = 100 * time.Millisecond

// Watcher hot-reloads the extended rules file into an Engine on change.
type Watcher struct {
	watcher *fsnotify.Watcher
	engine  *Engine
	path    string
	stopCh  chan struct{}

	mu      sync.Mutex
	pending *time.Timer
}

// NewWatcher creates a rules-file watcher for the given engine.
func NewWatcher(engine *Engine, path string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher: w,
		engine:  engine,
		path:    path,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching the rules file.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.path); err != nil {
		return err
	}

	go w.run()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("Risk rules watcher error")
		}
	}
}

// scheduleReload debounces rapid successive writes into one reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}

	w.pending = time.AfterFunc(reloadDebounce, func() {
		rules, err := LoadRulesFile(w.path)
		if err != nil {
			logger.Warn().Err(err).Str("path", w.path).Msg("Risk rules reload failed, keeping previous rules")
			return
		}
		w.engine.SetRules(rules)
		logger.Info().Int("rules", len(rules)).Str("path", w.path).Msg("Risk rules reloaded")
	})
}
