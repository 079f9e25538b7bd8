package manifest

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the registry from its manifest directory whenever a file in
// it changes, until ctx is cancelled. Reload errors are logged and do not
// stop the watch loop — a bad edit to one file should not wedge the
// registry against its last-good state.
func (r *Registry) Watch(ctx context.Context, logger *slog.Logger) error {
	if r.dir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(r.dir); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.LoadAll(r.dir); err != nil {
					logger.Error("manifest reload failed", "error", err, "dir", r.dir)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("manifest watcher error", "error", err)
			}
		}
	}()
	return nil
}
