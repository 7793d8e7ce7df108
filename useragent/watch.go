package useragent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch loads path into t and reloads it whenever the file changes, until
// ctx is done. The parent directory is watched so that editors replacing
// the file by rename are picked up. A reload that fails to parse keeps the
// previous table.
//
// The initial load error is returned; later errors are only logged.
func Watch(ctx context.Context, path string, t *Table, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	path = filepath.Clean(path)

	entries, err := LoadFile(path)
	if err != nil {
		return err
	}
	t.Replace(entries)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				entries, err := LoadFile(path)
				if err != nil {
					log.WarnContext(ctx, "useragent.reload.fail", slog.String("path", path), slog.String("err", err.Error()))
					continue
				}
				t.Replace(entries)
				log.InfoContext(ctx, "useragent.reload.ok", slog.String("path", path), slog.Int("entries", len(entries)))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WarnContext(ctx, "useragent.watch.fail", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}
