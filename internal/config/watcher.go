package config

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the hot-swappable parts of the configuration when the
// file changes: extra headers and MIME extensions. Pool sizing and other
// structural settings stay fixed until restart.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	apply   func(ServerConfig)
	done    chan struct{}
}

// NewWatcher starts watching path. apply receives the reloaded server
// section on every successful parse.
func NewWatcher(path string, apply func(ServerConfig), logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		path:    path,
		watcher: fsw,
		logger:  logger,
		apply:   apply,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config: reload failed, keeping previous",
					zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.logger.Info("config: reloaded", zap.String("path", w.path))
			w.apply(cfg.Server)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config: watcher error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
