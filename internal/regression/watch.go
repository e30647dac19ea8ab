package regression

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/homewalk/tourforge/internal/errs"
)

// Watch reloads the bundle whenever the file at path changes, until ctx is
// canceled. The parent directory is watched rather than the file itself:
// editors and atomic writers replace the file, which would silently detach
// a direct file watch.
func (h *Harness) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.Unexpected("create bundle watcher", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return errs.IO("watch bundle dir", err)
	}

	go h.watchLoop(ctx, watcher, path)
	return nil
}

func (h *Harness) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string) {
	defer watcher.Close()
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := h.LoadBundle(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("baseline bundle reload failed, keeping previous baselines")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("baseline bundle watcher error")
		}
	}
}
