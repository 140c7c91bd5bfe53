package usertoken

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads the token files whenever another process rewrites them. It
// blocks until ctx is done. Without configured files it returns nil at once.
func (s *Source) Watch(ctx context.Context) error {
	paths := make([]string, 0, 2)
	for _, p := range []string{s.opts.File, s.opts.RefreshFile} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	added := false
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			slog.Error("usertoken: watch add", "path", p, "err", err)
			continue
		}
		added = true
	}
	if !added {
		return nil
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			// Atomic replacement removes the watched inode.
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := w.Add(ev.Name); err != nil {
					slog.Debug("usertoken: watch re-add", "path", ev.Name, "err", err)
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(watchDebounce)
			}
		case <-debounce.C:
			if err := s.Load(); err != nil {
				slog.Error("usertoken: reload failed", "err", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("usertoken: watch error", "err", err)
		}
	}
}
