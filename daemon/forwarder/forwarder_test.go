package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crlsmrls/apmpipeline/daemon/queue"
	"github.com/crlsmrls/apmpipeline/internal/breaker"
)

func newQueueWith(t *testing.T, n int) *queue.Queue {
	t.Helper()
	q := queue.New(1000, t.TempDir())
	for i := 0; i < n; i++ {
		q.Push(queue.Record(`{"correlation_id":"x"}`))
	}
	return q
}

func TestTick_DrainsAndForwardsSuccessfully(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	q := newQueueWith(t, 3)
	f := New(q, breaker.New(breaker.Options{FailureThreshold: 3}), srv.URL, "")
	f.Tick(context.Background())

	if atomic.LoadInt32(&received) != 3 {
		t.Fatalf("expected 3 records forwarded, got %d", received)
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue drained, got len %d", q.Len())
	}
}

func TestTick_RequeuesOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	q := newQueueWith(t, 2)
	b := breaker.New(breaker.Options{FailureThreshold: 5})
	f := New(q, b, srv.URL, "")
	f.Tick(context.Background())

	if q.Len() != 2 {
		t.Fatalf("expected both records requeued after failure, got len %d", q.Len())
	}
}

func TestTick_SkipsWhenBreakerOpen(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	b := breaker.New(breaker.Options{FailureThreshold: 1})
	b.Failure() // trips open

	q := newQueueWith(t, 1)
	f := New(q, b, srv.URL, "")
	f.Tick(context.Background())

	if atomic.LoadInt32(&received) != 0 {
		t.Fatal("expected no forwarding attempt while breaker is open")
	}
	if q.Len() != 1 {
		t.Fatalf("expected record left in queue, got len %d", q.Len())
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	q := newQueueWith(t, 1)
	f := New(q, breaker.New(breaker.Options{FailureThreshold: 3}), srv.URL, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
