// Package watch turns file-system changes under a crate into expansion
// runs. A Watcher reports debounced batches of changed Rust sources; Loop
// starts a run per batch, cancelling the one in flight so the newest
// snapshot always wins.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// skipDirs are never watched.
var skipDirs = map[string]bool{
	"target":       true,
	"node_modules": true,
	"vendor":       true,
}

// Watcher watches a directory tree for changes to .rs files and the
// project config.
type Watcher struct {
	root      string
	fsw       *fsnotify.Watcher
	debouncer *Debouncer
	logger    *slog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger for watch errors.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = l
	}
}

// New creates a Watcher for root with the given debounce window.
func New(root string, debounce time.Duration, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve %s: %w", root, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}
	w := &Watcher{
		root:      abs,
		fsw:       fsw,
		debouncer: NewDebouncer(debounce),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.addRecursive(abs); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Changes returns debounced batches of changed paths, relative to the root
// with forward slashes.
func (w *Watcher) Changes() <-chan []string {
	return w.debouncer.Output()
}

// Run forwards file-system events until ctx is done, then closes the
// watcher and the Changes channel.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.debouncer.Stop()
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if ignored(rel) {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if name := info.Name(); strings.HasPrefix(name, ".") || skipDirs[name] {
				return
			}
			if err := w.addRecursive(ev.Name); err != nil {
				w.logger.Warn("watch new directory", "dir", rel, "error", err)
			}
			w.debouncer.Add(rel)
			return
		}
	}
	if relevant(rel) || ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		w.debouncer.Add(rel)
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && (strings.HasPrefix(d.Name(), ".") || skipDirs[d.Name()]) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add %s: %w", path, err)
		}
		return nil
	})
}

// ignored reports whether rel lies in a hidden or skipped directory.
func ignored(rel string) bool {
	parts := strings.Split(rel, "/")
	for _, part := range parts[:len(parts)-1] {
		if strings.HasPrefix(part, ".") || skipDirs[part] {
			return true
		}
	}
	return false
}

// relevant reports whether a change to rel can affect expansions.
func relevant(rel string) bool {
	base := filepath.Base(rel)
	return strings.HasSuffix(base, ".rs") || base == ".macrostep.yaml" || base == ".macrostep.yml"
}
