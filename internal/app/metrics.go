package app

import (
	"sync/atomic"
	"time"

	"github.com/dshills/modhost/internal/extension/orchestrator"
)

// Metrics tracks activation passes and reloads.
type Metrics struct {
	passCount   atomic.Uint64
	passTotalNs atomic.Int64
	lastPassNs  atomic.Int64

	activated atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	tasks     atomic.Int64

	reloads      atomic.Uint64
	reloadErrors atomic.Uint64

	startTime time.Time
}

// NewMetrics creates a new metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordPass records one discovery and setup pass.
func (m *Metrics) RecordPass(duration time.Duration, r orchestrator.Report) {
	ns := duration.Nanoseconds()
	m.passCount.Add(1)
	m.passTotalNs.Add(ns)
	m.lastPassNs.Store(ns)

	m.activated.Store(int64(len(r.Activated)))
	m.failed.Store(int64(len(r.Failed)))
	m.skipped.Store(int64(len(r.Skipped)))
}

// RecordTasks records how many background tasks the last pass scheduled.
func (m *Metrics) RecordTasks(n int) {
	m.tasks.Store(int64(n))
}

// RecordReload records a reload and whether it failed.
func (m *Metrics) RecordReload(err error) {
	m.reloads.Add(1)
	if err != nil {
		m.reloadErrors.Add(1)
	}
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	passes := m.passCount.Load()

	var avgPassNs int64
	if passes > 0 {
		avgPassNs = m.passTotalNs.Load() / int64(passes)
	}

	return MetricsSnapshot{
		Uptime:       time.Since(m.startTime),
		Passes:       passes,
		AvgPass:      time.Duration(avgPassNs),
		LastPass:     time.Duration(m.lastPassNs.Load()),
		Activated:    int(m.activated.Load()),
		Failed:       int(m.failed.Load()),
		Skipped:      int(m.skipped.Load()),
		Tasks:        int(m.tasks.Load()),
		Reloads:      m.reloads.Load(),
		ReloadErrors: m.reloadErrors.Load(),
	}
}

// MetricsSnapshot is a point-in-time view of metrics.
// Activated, Failed, Skipped and Tasks describe the last pass.
type MetricsSnapshot struct {
	Uptime       time.Duration
	Passes       uint64
	AvgPass      time.Duration
	LastPass     time.Duration
	Activated    int
	Failed       int
	Skipped      int
	Tasks        int
	Reloads      uint64
	ReloadErrors uint64
}

// Timer measures elapsed time.
type Timer struct {
	start time.Time
}

// StartTimer creates a new timer.
func StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed time since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
