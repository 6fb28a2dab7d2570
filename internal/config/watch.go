package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads Config from its source file on write and forwards
// the hot-reloadable subset to a callback. It watches the containing
// directory (editors replace-then-rename, which a direct file watch
// misses) and debounces bursts of writes.
type Watcher struct {
	path     string
	log      *slog.Logger
	fw       *fsnotify.Watcher
	onChange func(Config)
	done     chan struct{}
}

// Watch starts watching path's directory for changes to path itself.
// Call Close to stop. onChange is invoked (from a background
// goroutine) with the freshly reloaded Config after each debounced
// write.
func Watch(path string, log *slog.Logger, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{path: path, log: log, fw: fw, onChange: onChange, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	base := filepath.Base(w.path)
	var debounce *time.Timer
	const debounceDelay = 300 * time.Millisecond

	for {
		select {
		case <-w.done:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("config hot-reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	w.log.Info("config hot-reloaded", "path", w.path)
	w.onChange(cfg)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}
