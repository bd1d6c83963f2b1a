package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes a workspace root and reports filesystem activity as log
// lines, giving callers a live view of artifact materialization. fsnotify
// watches are per-directory, so directories created under the root are added
// as they appear.
type Watcher struct {
	fs     *fsnotify.Watcher
	lines  chan string
	logger *slog.Logger
}

// NewWatcher starts watching dir and every directory below it. Lines are
// delivered on Lines until Close.
func NewWatcher(dir string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &Watcher{fs: fsw, lines: make(chan string, 64), logger: logger}
	w.addTree(dir)
	return w, nil
}

// addTree watches every directory under root, root included. Directories
// that vanish mid-walk are skipped.
func (w *Watcher) addTree(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if aerr := w.fs.Add(path); aerr != nil {
			w.logger.Warn("watch directory", "path", path, "error", aerr)
		}
		return nil
	})
}

// Lines returns the channel of activity lines.
func (w *Watcher) Lines() <-chan string {
	return w.lines
}

// Run pumps filesystem events into log lines until ctx is done or the
// watcher is closed. It always closes the lines channel on return.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.lines)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addTree(event.Name)
				}
			}
			line := fmt.Sprintf("workspace: %s %s", event.Op, event.Name)
			select {
			case w.lines <- line:
			default:
				// Drop rather than block the event loop.
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("workspace watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
