// Package monitor tracks memory usage during processing and throttles
// streams under backpressure.
package monitor

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// MaxHistory bounds the number of retained samples. On overflow the oldest
// half is discarded.
const MaxHistory = 1000

type Sample struct {
	Time  time.Time
	Bytes int64
}

// Monitor is a shared handle: the processor and its callers observe the
// same counters. Readers never take the lock.
type Monitor struct {
	mu      sync.Mutex
	current atomic.Int64
	peak    atomic.Int64
	history []Sample
	now     func() time.Time
}

func New() *Monitor {
	return &Monitor{
		history: make([]Sample, 0, MaxHistory),
		now:     time.Now,
	}
}

// Reset clears counters and history at the start of a monitored run.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.Store(0)
	m.peak.Store(0)
	m.history = m.history[:0]
}

// UpdateUsage records the current usage and a timestamped sample.
func (m *Monitor) UpdateUsage(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current.Store(bytes)
	if bytes > m.peak.Load() {
		m.peak.Store(bytes)
	}

	if len(m.history) >= MaxHistory {
		n := copy(m.history, m.history[MaxHistory/2:])
		m.history = m.history[:n]
	}
	m.history = append(m.history, Sample{Time: m.now(), Bytes: bytes})
}

func (m *Monitor) Current() int64 {
	return m.current.Load()
}

func (m *Monitor) Peak() int64 {
	return m.peak.Load()
}

// History returns a copy of the retained samples, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.history))
	copy(out, m.history)
	return out
}
