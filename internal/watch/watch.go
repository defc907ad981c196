// Package watch lets separate processes sharing one database nudge each other.
// A CLI invocation touches a signal file after queueing a change; the daemon
// watches that file and schedules a pass.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"

	"tasksync/internal/logging"
)

const SignalFile = "outbox.signal"

// SignalPath returns the signal file next to the database at dbPath.
func SignalPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), SignalFile)
}

// Touch rewrites path so watchers see a write event.
func Touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.FormatInt(time.Now().UnixNano(), 10)), 0o644)
}

type Watcher struct {
	fs       *fsnotify.Watcher
	path     string
	debounce time.Duration
	log      *logging.Logger
}

// New watches the directory holding path; only events for path itself count.
func New(path string, debounce time.Duration, log *logging.Logger) (*Watcher, error) {
	if log == nil {
		log = logging.Nop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Watcher{fs: fw, path: abs, debounce: debounce, log: log}, nil
}

// Run calls fn once per burst of writes to the signal file until ctx is done.
func (w *Watcher) Run(ctx context.Context, fn func()) error {
	defer w.fs.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warnf("watch %s: %v", w.path, err)
		case <-timer.C:
			fn()
		}
	}
}
