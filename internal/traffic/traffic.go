// Package traffic keeps sliding windows of discovery outcomes for health reporting.
package traffic

import (
	"sync"
	"time"
)

// retention bounds how long outcomes are kept regardless of query window.
const retention = 5 * time.Minute

var defaultTracker = NewTracker()

// RecordReady records a discovery session that ended Ready.
func RecordReady() { defaultTracker.RecordReady() }

// RecordFailed records a discovery session that ended Failed.
func RecordFailed() { defaultTracker.RecordFailed() }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.RecordDenied() }

// Counts returns outcome counts within the window from the process-wide tracker.
func Counts(window time.Duration) Snapshot { return defaultTracker.Counts(window) }

// Degraded reports whether the process-wide tracker is over the failure threshold.
func Degraded(window time.Duration, minSessions int, threshold float64) bool {
	return defaultTracker.Degraded(window, minSessions, threshold)
}

// Reset clears the process-wide tracker. For tests only.
func Reset() { defaultTracker.Reset() }

// Snapshot is a point-in-time count of outcomes within a window.
type Snapshot struct {
	Ready  int `json:"ready"`
	Failed int `json:"failed"`
	Denied int `json:"denied"`
}

// Sessions is Ready + Failed. Denied requests never start a session.
func (s Snapshot) Sessions() int { return s.Ready + s.Failed }

// FailureRate is Failed / Sessions, or 0 with no sessions.
func (s Snapshot) FailureRate() float64 {
	if s.Sessions() == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Sessions())
}

// Tracker maintains sliding windows of outcome timestamps.
type Tracker struct {
	mu     sync.Mutex
	now    func() time.Time
	ready  []time.Time
	failed []time.Time
	denied []time.Time
}

// NewTracker returns an empty tracker on the wall clock.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

func (t *Tracker) RecordReady() { t.record(&t.ready) }
func (t *Tracker) RecordFailed() { t.record(&t.failed) }
func (t *Tracker) RecordDenied() { t.record(&t.denied) }

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// Counts returns outcome counts not older than window.
func (t *Tracker) Counts(window time.Duration) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	return Snapshot{
		Ready:  countSince(t.ready, cutoff),
		Failed: countSince(t.failed, cutoff),
		Denied: countSince(t.denied, cutoff),
	}
}

// Degraded is true when at least minSessions sessions ran in the window and
// the failure rate is at or above threshold.
func (t *Tracker) Degraded(window time.Duration, minSessions int, threshold float64) bool {
	s := t.Counts(window)
	if s.Sessions() == 0 || s.Sessions() < minSessions {
		return false
	}
	return s.FailureRate() >= threshold
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ready, t.failed, t.denied = nil, nil, nil
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than retention. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.ready)
	prune(&t.failed)
	prune(&t.denied)
}
