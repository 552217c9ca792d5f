package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/crlsmrls/apmpipeline/central/auth"
	"github.com/crlsmrls/apmpipeline/central/store"
)

type recordingForwarder struct {
	calls []store.Record
}

func (f *recordingForwarder) ForwardInBackground(ctx context.Context, rec store.Record) {
	f.calls = append(f.calls, rec)
}

func newTestHandler(t *testing.T) (*Handler, *recordingForwarder, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ingest-test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	fwd := &recordingForwarder{}
	return New(st, fwd), fwd, st
}

func authedRequest(method, path string, body []byte, project, token string) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func withAuth(t *testing.T, keys map[string]string, handler http.HandlerFunc) http.Handler {
	t.Helper()
	a := auth.New(keys)
	return auth.Middleware(a)(handler)
}

func TestIngestAppStoresAuthoritativeProject(t *testing.T) {
	h, fwd, st := newTestHandler(t)
	mux := withAuth(t, map[string]string{"tok": "acme"}, h.IngestApp)

	body := []byte(`{"correlation_id":"c1","project":"someone-elses-project","timestamp":1700000000.0,"duration_ms":612.0}`)
	req := authedRequest(http.MethodPost, "/ingest/app", body, "acme", "tok")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["correlation_id"] != "c1" {
		t.Errorf("correlation_id = %v, want c1", resp["correlation_id"])
	}

	stored, err := st.ByCorrelationID(context.Background(), "c1")
	if err != nil || len(stored) != 1 {
		t.Fatalf("ByCorrelationID: %v, %d rows", err, len(stored))
	}
	if stored[0].Project != "acme" {
		t.Errorf("stored project = %q, want acme (the authenticated project, not the payload's)", stored[0].Project)
	}
	if len(fwd.calls) != 1 {
		t.Errorf("forwarder called %d times, want 1", len(fwd.calls))
	}
}

func TestIngestAppRejectsMissingDuration(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := withAuth(t, map[string]string{"tok": "acme"}, h.IngestApp)

	body := []byte(`{"correlation_id":"c1","timestamp":1700000000.0}`)
	req := authedRequest(http.MethodPost, "/ingest/app", body, "acme", "tok")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestIngestAppRejectsUnauthenticated(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := withAuth(t, map[string]string{"tok": "acme"}, h.IngestApp)

	req := httptest.NewRequest(http.MethodPost, "/ingest/app", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestIngestDBValidatesSourceEnum(t *testing.T) {
	h, _, _ := newTestHandler(t)
	mux := withAuth(t, map[string]string{"tok": "acme"}, h.IngestDB)

	body := []byte(`{"project":"acme","timestamp":1700000000.0,"source":"not_a_real_source","data":{}}`)
	req := authedRequest(http.MethodPost, "/ingest/db", body, "acme", "tok")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestIngestDBAccepts(t *testing.T) {
	h, _, st := newTestHandler(t)
	mux := withAuth(t, map[string]string{"tok": "acme"}, h.IngestDB)

	body := []byte(`{"project":"acme","timestamp":1700000000.0,"source":"pg_stat_activity","data":{"query":"SELECT 1"}}`)
	req := authedRequest(http.MethodPost, "/ingest/db", body, "acme", "tok")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	stats, _ := st.Stats(context.Background())
	if stats.RowCount != 1 {
		t.Errorf("RowCount = %d, want 1", stats.RowCount)
	}
}
