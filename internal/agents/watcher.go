package agents

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the registry whenever its file is written, created, or
// renamed. It blocks until ctx is done; run it on its own goroutine.
func (r *Registry) Watch(ctx context.Context, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watching the file itself misses atomic replaces; watch both.
	_ = fsw.Add(r.path)
	_ = fsw.Add(filepath.Dir(r.path))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Name != r.path {
				continue
			}
			if err := r.Reload(); err != nil {
				logger.Warn("agent registry reload failed", "source", "agents", "error", err)
				continue
			}
			logger.Info("agent registry reloaded", "source", "agents", "path", r.path)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Error("agent registry watcher error", "source", "agents", "error", err)
		}
	}
}
