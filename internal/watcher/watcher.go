// Package watcher triggers a full extension re-discovery when anything under
// the extension or user config roots changes.
//
// Each root and its immediate subdirectories (one per extension) are
// watched. Bursts of changes are coalesced into a single trigger call after
// a quiet period, and trigger calls never overlap.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/modhost/internal/logging"
)

// Errors returned by watcher operations.
var (
	ErrWatcherClosed   = errors.New("watcher is closed")
	ErrAlreadyWatching = errors.New("path is already being watched")
)

// DefaultDebounce is the quiet period used when none is configured.
const DefaultDebounce = 500 * time.Millisecond

// Trigger runs a re-discovery cycle.
type Trigger func(ctx context.Context) error

// Rescanner calls a Trigger after file changes settle.
type Rescanner struct {
	fsw     *fsnotify.Watcher
	trigger Trigger
	delay   time.Duration
	log     *logging.Logger

	mu     sync.Mutex
	roots  map[string]bool
	paths  map[string]bool
	timer  *time.Timer
	closed bool

	fire    chan struct{}
	closeCh chan struct{}
	runs    atomic.Int64
}

// Option configures a Rescanner.
type Option func(*Rescanner)

// WithDebounce sets the quiet period before the trigger fires.
func WithDebounce(d time.Duration) Option {
	return func(r *Rescanner) {
		if d > 0 {
			r.delay = d
		}
	}
}

// WithLogger sets the rescanner's logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Rescanner) {
		r.log = l
	}
}

// New creates a rescanner that calls trigger from Run.
func New(trigger Trigger, opts ...Option) (*Rescanner, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	r := &Rescanner{
		fsw:     fsw,
		trigger: trigger,
		delay:   DefaultDebounce,
		log:     logging.GetLogger(),
		roots:   make(map[string]bool),
		paths:   make(map[string]bool),
		fire:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithComponent("watcher")
	return r, nil
}

// WatchRoot watches root and each of its non-hidden subdirectories.
// A root that doesn't exist is skipped.
func (r *Rescanner) WatchRoot(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.log.WithField("root", abs).Debug("root does not exist, not watching")
			return nil
		}
		return err
	}

	if err := r.watch(abs); err != nil && !errors.Is(err, ErrAlreadyWatching) {
		return err
	}
	r.mu.Lock()
	r.roots[abs] = true
	r.mu.Unlock()

	for _, e := range entries {
		if !e.IsDir() || hidden(e.Name()) {
			continue
		}
		if err := r.watch(filepath.Join(abs, e.Name())); err != nil && !errors.Is(err, ErrAlreadyWatching) {
			r.log.WithError(err).Warn("cannot watch %s", e.Name())
		}
	}
	return nil
}

func (r *Rescanner) watch(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrWatcherClosed
	}
	if r.paths[path] {
		return ErrAlreadyWatching
	}
	if err := r.fsw.Add(path); err != nil {
		return err
	}
	r.paths[path] = true
	return nil
}

// IsWatching reports whether path is being watched.
func (r *Rescanner) IsWatching(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paths[abs]
}

// WatchedPaths returns the watched directories, sorted.
func (r *Rescanner) WatchedPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.paths))
	for p := range r.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Runs returns how many times the trigger has been called.
func (r *Rescanner) Runs() int {
	return int(r.runs.Load())
}

// Run processes file events until ctx is done or the rescanner is closed.
// Trigger errors are logged; they don't stop the loop.
func (r *Rescanner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-r.closeCh:
			return ErrWatcherClosed

		case ev, ok := <-r.fsw.Events:
			if !ok {
				return ErrWatcherClosed
			}
			r.handle(ev)

		case err, ok := <-r.fsw.Errors:
			if !ok {
				return ErrWatcherClosed
			}
			r.log.WithError(err).Warn("watch error")

		case <-r.fire:
			r.runs.Add(1)
			r.log.Info("changes detected, re-discovering extensions")
			if err := r.trigger(ctx); err != nil {
				r.log.WithError(err).Error("re-discovery failed")
			}
		}
	}
}

func (r *Rescanner) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod || hidden(filepath.Base(ev.Name)) {
		return
	}

	if ev.Op.Has(fsnotify.Create) && r.isRoot(filepath.Dir(ev.Name)) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := r.watch(ev.Name); err != nil && !errors.Is(err, ErrAlreadyWatching) {
				r.log.WithError(err).Warn("cannot watch %s", ev.Name)
			}
		}
	}
	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		r.mu.Lock()
		delete(r.paths, ev.Name)
		r.mu.Unlock()
	}

	r.log.WithField("path", ev.Name).Debug("change: %s", ev.Op)
	r.schedule()
}

func (r *Rescanner) isRoot(dir string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roots[dir]
}

// schedule restarts the quiet period.
func (r *Rescanner) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Reset(r.delay)
		return
	}
	r.timer = time.AfterFunc(r.delay, func() {
		select {
		case r.fire <- struct{}{}:
		default:
		}
	})
}

// Close stops watching. Run returns ErrWatcherClosed afterwards.
func (r *Rescanner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.closeCh)
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()

	return r.fsw.Close()
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
