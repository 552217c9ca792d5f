package server

import (
	"net/http"
	"time"
)

func (s *Server) uptimeSeconds() float64 {
	return time.Since(s.start).Seconds()
}

// Ready handles GET /ready: the readiness gate the orchestrator's liveness
// probe distinguishes from /health by — storage must be open and at least
// one project must be authorized to ingest, mirroring the teacher's own
// readyz/healthz split in CrlsMrls-dummybox/server/routes.go.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	storageOpen := err == nil

	ready := storageOpen && len(s.authn.Keys) > 0

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	breakerState := "disabled"
	if s.shipper != nil {
		breakerState = s.shipper.Breaker.State().String()
	}

	writeJSON(w, status, map[string]any{
		"ready":            ready,
		"storage_open":     storageOpen,
		"known_api_keys":   len(s.authn.Keys),
		"uptime_seconds":   s.uptimeSeconds(),
		"row_count":        stats.RowCount,
		"shipper_breaker":  breakerState,
		"udp_ingest":       s.udp != nil,
	})
}

// StorageDiagnostics handles GET /api/internal/storage, the expansion's
// diagnostics endpoint grounded on the teacher's cmd/info.Info.Metrics
// block: a machine-readable snapshot of storage health for operators,
// distinct from the public query API.
func (s *Server) StorageDiagnostics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage unavailable"})
		return
	}

	projects, err := s.store.DistinctProjects(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage unavailable"})
		return
	}

	breakerState := "disabled"
	if s.shipper != nil {
		breakerState = s.shipper.Breaker.State().String()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"row_count":        stats.RowCount,
		"last_vacuum":      stats.LastVacuum,
		"retention_window": "168h0m0s",
		"projects":         projects,
		"shipper_breaker":  breakerState,
		"udp_ingest_port":  s.cfg.UDPPort,
		"uptime_seconds":   s.uptimeSeconds(),
	})
}
