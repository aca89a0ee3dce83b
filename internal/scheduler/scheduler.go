// Package scheduler runs extension background tasks on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/dshills/modhost/internal/logging"
)

// Errors returned by the scheduler.
var (
	// ErrTaskExists is returned when a task key is added twice.
	ErrTaskExists = errors.New("task already scheduled")

	// ErrStarted is returned when adding tasks after Start.
	ErrStarted = errors.New("scheduler already started")
)

// TaskFunc is one run of a background task.
type TaskFunc func(ctx context.Context) error

// Scheduler manages cron jobs for extension background tasks.
// Tasks with an empty schedule run once, right after Start.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	oneShot map[string]TaskFunc
	order   []string
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *logging.Logger
}

// New creates a scheduler.
func New(log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.GetLogger()
	}
	log = log.WithComponent("scheduler")
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		entries: make(map[string]cron.EntryID),
		oneShot: make(map[string]TaskFunc),
		log:     log,
	}
}

// Key returns the scheduler key for an extension's task.
func Key(extension, task string) string {
	return extension + "." + task
}

// Add schedules fn under extension.task. schedule is a standard five-field
// cron expression or a descriptor such as "@every 5m".
func (s *Scheduler) Add(extension, task, schedule string, fn TaskFunc) error {
	if fn == nil {
		return fmt.Errorf("task %s: function is nil", Key(extension, task))
	}
	key := Key(extension, task)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrStarted
	}
	if _, ok := s.entries[key]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, key)
	}
	if _, ok := s.oneShot[key]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, key)
	}

	if schedule == "" {
		s.oneShot[key] = fn
		s.order = append(s.order, key)
		return nil
	}

	id, err := s.cron.AddFunc(schedule, func() { s.run(key, fn) })
	if err != nil {
		return fmt.Errorf("task %s: schedule %q: %w", key, schedule, err)
	}
	s.entries[key] = id
	s.order = append(s.order, key)
	return nil
}

// Tasks returns the scheduled task keys, sorted.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	sort.Strings(out)
	return out
}

// Start begins running tasks. Task contexts derive from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	oneShot := make(map[string]TaskFunc, len(s.oneShot))
	for k, fn := range s.oneShot {
		oneShot[k] = fn
	}
	n := len(s.order)
	s.mu.Unlock()

	for key, fn := range oneShot {
		s.wg.Add(1)
		go func(key string, fn TaskFunc) {
			defer s.wg.Done()
			s.run(key, fn)
		}(key, fn)
	}

	s.cron.Start()
	s.log.Info("scheduler started with %d tasks", n)
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

func (s *Scheduler) run(key string, fn TaskFunc) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("task", key).Error("task panic: %v", r)
		}
	}()

	if err := fn(ctx); err != nil {
		s.log.WithField("task", key).WithError(err).Warn("task failed")
		return
	}
	s.log.WithField("task", key).Debug("task completed")
}

// cronLogger adapts Logger to cron.Logger.
type cronLogger struct {
	log *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.WithFields(kvFields(keysAndValues)).Debug("%s", msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.WithFields(kvFields(keysAndValues)).WithError(err).Error("%s", msg)
}

func kvFields(kv []any) map[string]any {
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
