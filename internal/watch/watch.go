// Package watch keeps an index in sync with a live file tree: an
// fsnotify-based recursive watcher feeding a debouncer that coalesces
// event bursts into batches.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op classifies a file change.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpDelete
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Event is one coalesced file change, with Path relative to the watch
// root.
type Event struct {
	Path string
	Op   Op
}

// Watcher watches a directory tree and emits debounced event batches.
type Watcher struct {
	root     string
	window   time.Duration
	log      *slog.Logger
	notifier *fsnotify.Watcher
	batches  chan []Event
}

// New creates a watcher for root. window bounds how long a quiet period
// must be before a batch is emitted.
func New(root string, window time.Duration, log *slog.Logger) (*Watcher, error) {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		notifier.Close()
		return nil, err
	}
	return &Watcher{
		root:     abs,
		window:   window,
		log:      log,
		notifier: notifier,
		batches:  make(chan []Event, 4),
	}, nil
}

// Batches returns the channel of debounced event batches. It closes
// when Run returns.
func (w *Watcher) Batches() <-chan []Event { return w.batches }

// Run watches until ctx is cancelled. Subdirectories created while
// running are added to the watch set.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.batches)
	defer w.notifier.Close()

	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	d := newDebouncer(w.window)
	defer d.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.notifier.Events:
			if !ok {
				return nil
			}
			w.handle(ev, d)

		case err, ok := <-w.notifier.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch_error", "error", err)

		case <-d.timerC():
			batch := d.flush()
			if len(batch) == 0 {
				continue
			}
			select {
			case w.batches <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event, d *debouncer) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(ev.Name)
			return
		}
		d.add(Event{Path: rel, Op: OpCreate})
		return
	}
	if ev.Op.Has(fsnotify.Write) {
		d.add(Event{Path: rel, Op: OpModify})
		return
	}
	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		d.add(Event{Path: rel, Op: OpDelete})
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.notifier.Add(path); err != nil {
				w.log.Warn("watch_add_failed", "dir", path, "error", err)
			}
		}
		return nil
	})
}
