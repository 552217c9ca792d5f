// Package breaker implements the three-state circuit breaker shared by the
// host daemon's forwarder and the central shipper. Both guard a remote call
// that must never be retried in-line by its caller.
package breaker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Options configures a Breaker. Either FailureThreshold (a consecutive-failure
// count, used by the daemon forwarder) or MinVolume+ErrorPercent (an error-rate
// gate over a minimum sample size, used by the shipper) selects the trip rule;
// set only one pair.
type Options struct {
	FailureThreshold int
	MinVolume        int
	ErrorPercent     float64
	RetryTimeout     time.Duration
	StatePath        string
}

// persistedState is the on-disk JSON shape written on every transition.
type persistedState struct {
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	LastFailureAt time.Time `json:"last_failure_time"`
	OpenedAt      time.Time `json:"opened_at"`
}

// Breaker is a mutex-protected state machine. All methods are safe for
// concurrent use, though in this codebase each Breaker is owned by a single
// goroutine (the daemon's event loop, or the shipper's send path).
type Breaker struct {
	mu   sync.Mutex
	opts Options

	state         State
	failureCount  int
	successCount  int
	volume        int
	lastFailureAt time.Time
	openedAt      time.Time
}

// New creates a Breaker, loading persisted state from opts.StatePath if present.
func New(opts Options) *Breaker {
	if opts.RetryTimeout <= 0 {
		opts.RetryTimeout = 60 * time.Second
	}
	b := &Breaker{opts: opts}
	b.load()
	return b
}

// State returns the current state, resolving an expired open window to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireOpen(time.Now())
	return b.state
}

// Allow reports whether a call may proceed. It also performs the open->half-open
// transition on timeout expiry. While half-open it admits every call, not
// just one probe, until a Success or Failure closes or reopens the breaker.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireOpen(time.Now())
	return b.state != Open
}

// maybeExpireOpen must be called with the lock held.
func (b *Breaker) maybeExpireOpen(now time.Time) {
	if b.state == Open && now.Sub(b.openedAt) > b.opts.RetryTimeout {
		b.state = HalfOpen
	}
}

// Success records a successful protected call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.close()
	case Closed:
		// Only the consecutive-failure rule starts over on a success; the
		// error-rate rule keeps counting every failure in its sample.
		if b.opts.FailureThreshold > 0 || b.opts.MinVolume <= 0 || b.opts.ErrorPercent <= 0 {
			b.failureCount = 0
		}
		b.volume++
		b.successCount++
	}
	b.persist()
}

// Failure records a failed protected call and trips the breaker if the
// configured threshold is crossed.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastFailureAt = now
	b.volume++

	switch b.state {
	case HalfOpen:
		b.open(now)
	case Closed:
		b.failureCount++
		if b.tripped() {
			b.open(now)
		}
	}
	b.persist()
}

func (b *Breaker) tripped() bool {
	if b.opts.FailureThreshold > 0 {
		return b.failureCount >= b.opts.FailureThreshold
	}
	if b.opts.MinVolume > 0 && b.opts.ErrorPercent > 0 {
		if b.volume < b.opts.MinVolume {
			return false
		}
		rate := float64(b.failureCount) / float64(b.volume)
		return rate >= b.opts.ErrorPercent
	}
	return b.failureCount >= 5
}

func (b *Breaker) open(now time.Time) {
	b.state = Open
	b.openedAt = now
}

func (b *Breaker) close() {
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.volume = 0
}

// LastFailure returns the timestamp of the most recent recorded failure.
func (b *Breaker) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailureAt
}

// persist writes the breaker's state to disk with temp+rename atomicity.
// Caller must hold b.mu.
func (b *Breaker) persist() {
	if b.opts.StatePath == "" {
		return
	}
	ps := persistedState{
		State:         b.state.String(),
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		LastFailureAt: b.lastFailureAt,
		OpenedAt:      b.openedAt,
	}
	data, err := json.Marshal(ps)
	if err != nil {
		return
	}

	dir := filepath.Dir(b.opts.StatePath)
	tmp, err := os.CreateTemp(dir, ".breaker-*.tmp")
	if err != nil {
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return
	}
	os.Rename(tmpName, b.opts.StatePath)
}

// load reads persisted state from disk, if any. An open state whose
// retry-timeout has already elapsed is loaded as-is; State()/Allow() will
// transition it to half-open on first use, same as if the process had never
// restarted.
func (b *Breaker) load() {
	if b.opts.StatePath == "" {
		return
	}
	data, err := os.ReadFile(b.opts.StatePath)
	if err != nil {
		return
	}
	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return
	}

	switch ps.State {
	case "open":
		b.state = Open
	case "half-open":
		b.state = HalfOpen
	default:
		b.state = Closed
	}
	b.failureCount = ps.FailureCount
	b.successCount = ps.SuccessCount
	b.lastFailureAt = ps.LastFailureAt
	b.openedAt = ps.OpenedAt
}
