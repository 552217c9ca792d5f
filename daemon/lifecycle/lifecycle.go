// Package lifecycle tracks the host daemon's request count and resident
// memory against configured ceilings and signals a voluntary restart when
// either is crossed, plus a periodic forced GC independent of either
// threshold.
package lifecycle

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Tracker accumulates handled-record counts and samples memory on demand.
type Tracker struct {
	MaxRequests   int
	MemoryLimitMB int
	GCInterval    time.Duration

	count      int64
	lastGC     time.Time
}

// New creates a Tracker with the daemon's configured thresholds.
func New(maxRequests, memoryLimitMB int, gcInterval time.Duration) *Tracker {
	return &Tracker{MaxRequests: maxRequests, MemoryLimitMB: memoryLimitMB, GCInterval: gcInterval, lastGC: time.Now()}
}

// RecordHandled increments the handled-record counter, called once per
// record the daemon admits.
func (t *Tracker) RecordHandled() {
	atomic.AddInt64(&t.count, 1)
}

// Count reports the number of records handled since start (or since the
// last restart).
func (t *Tracker) Count() int64 {
	return atomic.LoadInt64(&t.count)
}

// ShouldRestart reports whether either voluntary-restart threshold has been
// crossed: accumulated request count, or resident memory (approximated here
// by runtime.MemStats.Sys, the total memory the Go runtime has obtained from
// the OS).
func (t *Tracker) ShouldRestart() (bool, string) {
	if int(t.Count()) >= t.MaxRequests {
		return true, "max_requests"
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	limitBytes := int64(t.MemoryLimitMB) * 1024 * 1024
	if int64(m.Sys) >= limitBytes {
		return true, "memory_limit_mb"
	}
	return false, ""
}

// MaybeForceGC runs a forced garbage collection if GCInterval has elapsed
// since the last one; the timer is reset only when a collection runs.
func (t *Tracker) MaybeForceGC(now time.Time) {
	if t.GCInterval <= 0 {
		return
	}
	if now.Sub(t.lastGC) < t.GCInterval {
		return
	}
	runtime.GC()
	debug.FreeOSMemory()
	t.lastGC = now
}
