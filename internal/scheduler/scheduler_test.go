package scheduler

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/modhost/internal/logging"
)

func TestAddAndTasks(t *testing.T) {
	s := New(logging.NullLogger)
	noop := func(context.Context) error { return nil }

	if err := s.Add("alerts", "poll", "@every 1h", noop); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Add("alerts", "warmup", "", noop); err != nil {
		t.Fatalf("Add(one-shot) error = %v", err)
	}
	if err := s.Add("alerts", "poll", "@every 2h", noop); !errors.Is(err, ErrTaskExists) {
		t.Errorf("duplicate Add() error = %v, want ErrTaskExists", err)
	}
	if err := s.Add("alerts", "bad", "not a schedule", noop); err == nil {
		t.Error("Add() with bad schedule should fail")
	}
	if err := s.Add("alerts", "nil", "@hourly", nil); err == nil {
		t.Error("Add() with nil func should fail")
	}

	want := []string{"alerts.poll", "alerts.warmup"}
	if got := s.Tasks(); !reflect.DeepEqual(got, want) {
		t.Errorf("Tasks() = %v, want %v", got, want)
	}
}

func TestOneShotRunsOnStart(t *testing.T) {
	s := New(logging.NullLogger)
	done := make(chan struct{})
	var calls atomic.Int32

	_ = s.Add("alerts", "warmup", "", func(context.Context) error {
		calls.Add(1)
		close(done)
		return nil
	})

	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot task did not run")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestStopCancelsTaskContext(t *testing.T) {
	s := New(logging.NullLogger)
	started := make(chan struct{})
	finished := make(chan struct{})

	_ = s.Add("alerts", "loop", "", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(finished)
		return ctx.Err()
	})

	s.Start(context.Background())
	<-started
	s.Stop()

	select {
	case <-finished:
	default:
		t.Fatal("Stop() returned before the task observed cancellation")
	}
}

func TestAddAfterStart(t *testing.T) {
	s := New(logging.NullLogger)
	s.Start(context.Background())
	defer s.Stop()

	err := s.Add("alerts", "late", "@hourly", func(context.Context) error { return nil })
	if !errors.Is(err, ErrStarted) {
		t.Errorf("Add() after Start error = %v, want ErrStarted", err)
	}
}

func TestPanickingTaskRecovered(t *testing.T) {
	s := New(logging.NullLogger)
	done := make(chan struct{})
	_ = s.Add("alerts", "boom", "", func(context.Context) error {
		defer close(done)
		panic("kaboom")
	})

	s.Start(context.Background())
	<-done
	s.Stop()
}
