package flow

import (
	"sync"
	"time"
)

// Metrics tracks run counts and cumulative wall time for a Work.
type Metrics struct {
	mu       sync.Mutex
	runs     int64
	failures int64
	elapsed  time.Duration
}

// RecordRun records one task run. failed covers both launch errors and
// non-zero exit codes.
func (m *Metrics) RecordRun(d time.Duration, failed bool) {
	m.mu.Lock()
	m.runs++
	if failed {
		m.failures++
	}
	m.elapsed += d
	m.mu.Unlock()
}

// Stats returns the run count, failure count and cumulative wall time.
func (m *Metrics) Stats() (runs, failures int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs, m.failures, m.elapsed
}
