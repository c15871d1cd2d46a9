package playback

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("playback")

const (
	defaultDebounce     = 200 * time.Millisecond
	defaultPollInterval = 60 * time.Second
)

// WatcherConfig tunes a Watcher. Zero values take defaults.
type WatcherConfig struct {
	Debounce     time.Duration
	PollInterval time.Duration // fallback stat poll; also the only mechanism when fsnotify is unavailable

	// OnReload is called after every reload attempt with the new record count
	// or the error.
	OnReload func(records int, err error)
}

func (c WatcherConfig) withDefaults() WatcherConfig {
	if c.Debounce <= 0 {
		c.Debounce = defaultDebounce
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// Watcher reloads a Cursor when its CSV file changes.
type Watcher struct {
	path   string
	cursor *Cursor
	cfg    WatcherConfig

	lastMod  time.Time
	lastSize int64
}

// NewWatcher watches path on behalf of cursor.
func NewWatcher(path string, cursor *Cursor, cfg WatcherConfig) *Watcher {
	w := &Watcher{path: path, cursor: cursor, cfg: cfg.withDefaults()}
	w.changed() // prime the stat baseline
	return w
}

// Run blocks until ctx is cancelled. It watches the file's directory so that
// editors that replace the file by rename are still seen.
func (w *Watcher) Run(ctx context.Context) {
	fsw := w.initWatcher()
	if fsw != nil {
		defer fsw.Close()
	}

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fsw != nil {
		events, errs = fsw.Events, fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(w.cfg.Debounce)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warningf("fsnotify: watcher error: %v", err)

		case <-debounce.C:
			w.changed()
			w.reload()

		case <-poll.C:
			if w.changed() {
				w.reload()
			}
		}
	}
}

// initWatcher returns nil when fsnotify cannot be used; Run then relies on
// polling alone.
func (w *Watcher) initWatcher() *fsnotify.Watcher {
	dir := filepath.Dir(w.path)
	if _, err := os.Stat(dir); err != nil {
		log.Warningf("fsnotify: %s missing, falling back to polling", dir)
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warningf("fsnotify: failed to create watcher: %v (falling back to polling)", err)
		return nil
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		log.Warningf("fsnotify: failed to watch %s: %v (falling back to polling)", dir, err)
		return nil
	}
	return fsw
}

// changed stats the file and reports whether it differs from the last stat.
func (w *Watcher) changed() bool {
	fi, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	if fi.ModTime().Equal(w.lastMod) && fi.Size() == w.lastSize {
		return false
	}
	w.lastMod, w.lastSize = fi.ModTime(), fi.Size()
	return true
}

func (w *Watcher) reload() {
	err := w.cursor.Reload(w.path)
	n := w.cursor.Len()
	if err != nil {
		log.Warningf("playback reload failed, keeping %d records: %v", n, err)
	} else {
		log.Infof("playback reloaded: %d records, index %d", n, w.cursor.Index())
	}
	if w.cfg.OnReload != nil {
		w.cfg.OnReload(n, err)
	}
}
