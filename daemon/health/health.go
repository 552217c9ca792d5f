// Package health serves the host daemon's loopback HTTP /healthz endpoint:
// a point-in-time JSON snapshot of uptime, queue depth, spool file count,
// breaker state, and last-failure timestamp.
package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// Snapshot is the JSON shape served at /healthz.
type Snapshot struct {
	UptimeSeconds  float64   `json:"uptime_seconds"`
	QueueDepth     int       `json:"queue_depth"`
	SpoolFileCount int       `json:"spool_file_count"`
	BreakerState   string    `json:"breaker_state"`
	LastFailure    time.Time `json:"last_failure,omitempty"`
}

// Provider supplies the live values for a Snapshot. The daemon's event loop
// implements it directly, keeping the health handler free of any reference
// to queue/breaker internals.
type Provider interface {
	HealthSnapshot() Snapshot
}

// Handler returns an http.Handler serving provider's current snapshot as JSON.
func Handler(provider Provider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := provider.HealthSnapshot()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	})
}
