package payload

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

const defaultDebounce = 250 * time.Millisecond

// ParseFileName splits "{kind}[.{channel}].json" into its parts.
func ParseFileName(name string) (Kind, string, error) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, ".json") {
		return "", "", errors.Errorf("payload: %q is not a .json file", base)
	}
	base = strings.TrimSuffix(base, ".json")
	kindPart, channel, _ := strings.Cut(base, ".")
	kind, err := ParseKind(kindPart)
	if err != nil {
		return "", "", err
	}
	return kind, strings.ToLower(channel), nil
}

// LoadFile decodes one payload file.
func LoadFile(path string) (Payload, error) {
	kind, channel, err := ParseFileName(path)
	if err != nil {
		return Payload{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Payload{}, errors.Wrap(err, "open payload")
	}
	defer f.Close()
	return Decode(kind, channel, f)
}

// Watcher applies payload files from a directory to a Target, once at start
// and again whenever a file changes.
type Watcher struct {
	dir      string
	target   Target
	debounce time.Duration
}

func NewWatcher(dir string, target Target) *Watcher {
	return &Watcher{dir: dir, target: target, debounce: defaultDebounce}
}

// LoadAll applies every payload file in the directory in name order and
// returns how many were applied. Bad files are logged and skipped.
func (w *Watcher) LoadAll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, errors.Wrap(err, "read payload dir")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, filepath.Join(w.dir, e.Name()))
		}
	}
	return w.apply(ctx, names), nil
}

func (w *Watcher) apply(ctx context.Context, paths []string) int {
	sort.Strings(paths)
	n := 0
	for _, p := range paths {
		pl, err := LoadFile(p)
		if err != nil {
			slog.Error("payload: load failed", "path", p, "err", err)
			continue
		}
		pl.Apply(ctx, w.target)
		slog.Info("payload: applied", "kind", pl.Kind, "channel", pl.Channel, "path", filepath.Base(p))
		n++
	}
	return n
}

// Run loads the directory and then watches it until ctx is done. ready, if
// not nil, is closed once the watch is in place.
func (w *Watcher) Run(ctx context.Context, ready chan<- struct{}) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "new watcher")
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return errors.Wrap(err, "watch payload dir")
	}
	if _, err := w.LoadAll(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := map[string]struct{}{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 || !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			pending[ev.Name] = struct{}{}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(w.debounce)
		case <-debounce.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			pending = map[string]struct{}{}
			w.apply(ctx, paths)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Error("payload: watch error", "err", err)
		}
	}
}
