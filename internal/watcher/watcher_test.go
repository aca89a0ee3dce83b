package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/modhost/internal/logging"
)

func newTestRescanner(t *testing.T, fired chan<- struct{}) *Rescanner {
	t.Helper()
	r, err := New(func(ctx context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}, WithDebounce(50*time.Millisecond), WithLogger(logging.NullLogger))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func waitFired(t *testing.T, fired <-chan struct{}) {
	t.Helper()
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("trigger not called")
	}
}

func TestWatchRoot_WatchesSubdirectories(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"weather", "alerts", ".git"} {
		if err := os.Mkdir(filepath.Join(root, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	r := newTestRescanner(t, make(chan struct{}, 1))
	if err := r.WatchRoot(root); err != nil {
		t.Fatalf("WatchRoot: %v", err)
	}

	for _, name := range []string{"", "weather", "alerts"} {
		if !r.IsWatching(filepath.Join(root, name)) {
			t.Errorf("not watching %q", name)
		}
	}
	if r.IsWatching(filepath.Join(root, ".git")) {
		t.Error("hidden directory should not be watched")
	}
	if got := len(r.WatchedPaths()); got != 3 {
		t.Errorf("WatchedPaths() = %d entries, want 3", got)
	}

	// Watching the same root again is harmless.
	if err := r.WatchRoot(root); err != nil {
		t.Errorf("second WatchRoot: %v", err)
	}
}

func TestWatchRoot_MissingRoot(t *testing.T) {
	r := newTestRescanner(t, make(chan struct{}, 1))
	if err := r.WatchRoot(filepath.Join(t.TempDir(), "missing")); err != nil {
		t.Fatalf("WatchRoot on missing root = %v, want nil", err)
	}
	if len(r.WatchedPaths()) != 0 {
		t.Errorf("WatchedPaths() = %v", r.WatchedPaths())
	}
}

func TestRun_TriggersOnChange(t *testing.T) {
	root := t.TempDir()
	ext := filepath.Join(root, "weather")
	if err := os.Mkdir(ext, 0o755); err != nil {
		t.Fatal(err)
	}

	fired := make(chan struct{}, 1)
	r := newTestRescanner(t, fired)
	if err := r.WatchRoot(root); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	if err := os.WriteFile(filepath.Join(ext, "settings.yaml"), []byte("a: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFired(t, fired)
	if r.Runs() < 1 {
		t.Errorf("Runs() = %d", r.Runs())
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestRun_WatchesNewExtensionDirectory(t *testing.T) {
	root := t.TempDir()
	fired := make(chan struct{}, 1)
	r := newTestRescanner(t, fired)
	if err := r.WatchRoot(root); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	ext := filepath.Join(root, "billing")
	if err := os.Mkdir(ext, 0o755); err != nil {
		t.Fatal(err)
	}
	waitFired(t, fired)

	deadline := time.Now().Add(5 * time.Second)
	for !r.IsWatching(ext) {
		if time.Now().After(deadline) {
			t.Fatal("new extension directory not watched")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRun_CoalescesBursts(t *testing.T) {
	root := t.TempDir()
	fired := make(chan struct{}, 10)
	r, err := New(func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	}, WithDebounce(300*time.Millisecond), WithLogger(logging.NullLogger))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.WatchRoot(root); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	for i := 0; i < 5; i++ {
		name := filepath.Join(root, "f"+string(rune('a'+i))+".yaml")
		if err := os.WriteFile(name, []byte("x: 1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	waitFired(t, fired)
	time.Sleep(500 * time.Millisecond)
	if got := r.Runs(); got >= 5 {
		t.Errorf("Runs() = %d, want bursts coalesced", got)
	}
}

func TestClose(t *testing.T) {
	r := newTestRescanner(t, make(chan struct{}, 1))
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := r.Run(context.Background()); !errors.Is(err, ErrWatcherClosed) {
		t.Errorf("Run after Close = %v, want ErrWatcherClosed", err)
	}
	if err := r.WatchRoot(t.TempDir()); !errors.Is(err, ErrWatcherClosed) {
		t.Errorf("WatchRoot after Close = %v, want ErrWatcherClosed", err)
	}
}
