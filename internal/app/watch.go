package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// watchConfig calls reload after writes to path settle. It watches the
// parent directory so editors that replace the file are seen too.
func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	base := filepath.Base(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	logger.Info("watching_config", slog.String("path", path))

	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timer.C:
			reload()
		}
	}
}
