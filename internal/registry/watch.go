package registry

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Watch invalidates reg whenever the file backing fb changes, until ctx is
// done. The parent directory is watched so atomic renames are seen.
func Watch(ctx context.Context, reg *Registry, fb *FileBackend) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "registry: create watcher")
	}
	defer w.Close() //nolint:errcheck

	dir := filepath.Dir(fb.Path())
	if err := w.Add(dir); err != nil {
		return eris.Wrapf(err, "registry: watch %s", dir)
	}
	target := filepath.Clean(fb.Path())

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			zap.L().Debug("registry: schema document changed", zap.String("op", ev.Op.String()))
			reg.Invalidate()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			zap.L().Warn("registry: watcher error", zap.Error(err))
		}
	}
}
