package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/crlsmrls/apmpipeline/central/config"
	"github.com/crlsmrls/apmpipeline/central/store"
	"github.com/crlsmrls/apmpipeline/internal/obsmetrics"
	"github.com/prometheus/client_golang/prometheus"
)

var reg *prometheus.Registry

func TestMain(m *testing.M) {
	reg = obsmetrics.InitMetrics()
	os.Exit(m.Run())
}

func newTestServer(t *testing.T) (*Server, *config.Config) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "server-test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Port:      9090,
		DBPath:    dbPath,
		RateLimit: 100,
		LogLevel:  "info",
		APIKeys:   map[string]string{"tok": "acme"},
	}
	return New(cfg, st, reg), cfg
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	res, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
}

func TestReadyEndpointReportsKnownAPIKeys(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	res, err := http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(res.Body).Decode(&body)
	if body["known_api_keys"].(float64) != 1 {
		t.Errorf("known_api_keys = %v, want 1", body["known_api_keys"])
	}
}

func TestReadyEndpointUnavailableWithoutAPIKeys(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.authn.Keys = map[string]string{}
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	res, err := http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", res.StatusCode)
	}
}

func TestIngestRouteRejectsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	res, err := http.Post(ts.URL+"/ingest/app", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /ingest/app: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", res.StatusCode)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
}

func TestStorageDiagnosticsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	res, err := http.Get(ts.URL + "/api/internal/storage")
	if err != nil {
		t.Fatalf("GET /api/internal/storage: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(res.Body).Decode(&body)
	if _, ok := body["row_count"]; !ok {
		t.Errorf("response missing row_count: %v", body)
	}
}

func TestQueryRouteSetsCORSHeaders(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	res, err := http.Get(ts.URL + "/api/projects")
	if err != nil {
		t.Fatalf("GET /api/projects: %v", err)
	}
	defer res.Body.Close()
	if res.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing CORS header on query route")
	}
}
