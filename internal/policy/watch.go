package policy

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/schmiede/internal/logger"
)

// Watcher reloads a rules file into an engine whenever it changes on
// disk. A broken edit keeps the previous rules in place.
type Watcher struct {
	engine  *Engine
	path    string
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// WatchRules loads the rules file into the engine and keeps it in sync
// with further edits.
func WatchRules(engine *Engine, path string) (*Watcher, error) {
	rules, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	engine.SetRules(rules)

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace the file, which drops a
	// watch on the file itself.
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	w := &Watcher{
		engine:  engine,
		path:    filepath.Clean(path),
		watcher: fsWatcher,
		stop:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops watching the rules file.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			rules, err := LoadRules(w.path)
			if err != nil {
				logger.Global().Error("policy rules reload failed, keeping previous rules: %v", err)
				continue
			}
			w.engine.SetRules(rules)
			logger.Global().Info("policy rules reloaded from %s (%d rules)", w.path, len(rules))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Global().Error("policy rules watcher error: %v", err)
		}
	}
}
