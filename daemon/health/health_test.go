package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeProvider struct{ snap Snapshot }

func (f fakeProvider) HealthSnapshot() Snapshot { return f.snap }

func TestHandler_ServesSnapshotAsJSON(t *testing.T) {
	want := Snapshot{
		UptimeSeconds:  42.5,
		QueueDepth:     7,
		SpoolFileCount: 2,
		BreakerState:   "closed",
		LastFailure:    time.Unix(1000, 0).UTC(),
	}
	h := Handler(fakeProvider{snap: want})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.QueueDepth != 7 || got.BreakerState != "closed" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}
