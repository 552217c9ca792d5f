package shipper

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/crlsmrls/apmpipeline/central/store"
)

// fakeAggregator accepts one connection at a time and decodes zero-byte
// delimited JSON messages onto a channel.
type fakeAggregator struct {
	ln   net.Listener
	recv chan message
}

func startFakeAggregator(t *testing.T) *fakeAggregator {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fa := &fakeAggregator{ln: ln, recv: make(chan message, 16)}
	go fa.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return fa
}

func (fa *fakeAggregator) acceptLoop() {
	for {
		conn, err := fa.ln.Accept()
		if err != nil {
			return
		}
		go fa.handle(conn)
	}
}

func (fa *fakeAggregator) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		data, err := reader.ReadBytes(0)
		if err != nil {
			return
		}
		var m message
		if json.Unmarshal(data[:len(data)-1], &m) == nil {
			fa.recv <- m
		}
	}
}

func (fa *fakeAggregator) hostPort() (string, int) {
	addr := fa.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestSendFramesWithZeroByteDelimiter(t *testing.T) {
	fa := startFakeAggregator(t)
	host, port := fa.hostPort()

	s := New(host, port, filepath.Join(t.TempDir(), "breaker.json"))
	rec := store.Record{ID: 1, CorrelationID: "c1", Project: "acme", Source: "app_agent", Timestamp: 100, Payload: `{"request":{"uri":"/x","method":"GET"}}`, DurationMS: sql.NullFloat64{Float64: 12, Valid: true}}

	if err := s.Send(context.Background(), rec); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case m := <-fa.recv:
		if m.Version != protocolVersion {
			t.Errorf("Version = %q, want %q", m.Version, protocolVersion)
		}
		if m.RowID != 1 || m.CorrelationID != "c1" || m.Project != "acme" {
			t.Errorf("message = %+v, missing expected fields", m)
		}
		if m.URL != "/x" || m.Method != "GET" {
			t.Errorf("message url/method = %q/%q, want /x, GET", m.URL, m.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("aggregator never received a message")
	}
}

func TestSendFailsWhenBreakerOpen(t *testing.T) {
	s := New("127.0.0.1", 1, filepath.Join(t.TempDir(), "breaker.json")) // port 1: nothing listens
	rec := store.Record{ID: 1, CorrelationID: "c1", Project: "acme", Source: "app_agent", Timestamp: 1, Payload: `{}`}

	for i := 0; i < 10; i++ {
		s.Send(context.Background(), rec)
	}
	if err := s.Send(context.Background(), rec); err == nil {
		t.Error("Send succeeded against an unreachable aggregator after repeated failures")
	}
}

func TestForwardInBackgroundDoesNotBlock(t *testing.T) {
	s := New("127.0.0.1", 1, filepath.Join(t.TempDir(), "breaker.json"))
	rec := store.Record{ID: 1, CorrelationID: "c1", Project: "acme", Source: "app_agent", Timestamp: 1, Payload: `{}`}

	done := make(chan struct{})
	go func() {
		s.ForwardInBackground(context.Background(), rec)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ForwardInBackground blocked instead of returning immediately")
	}
}

func TestReplayerDrainsAscendingByID(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "replay.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := st.Insert(ctx, store.Record{CorrelationID: "c", Project: "acme", Source: "app_agent", Timestamp: float64(i), Payload: `{}`}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	fa := startFakeAggregator(t)
	host, port := fa.hostPort()
	s := New(host, port, filepath.Join(t.TempDir(), "breaker.json"))

	rp := NewReplayer(st, s)
	rp.drainAll(ctx)

	var lastID int64
	for i := 0; i < 5; i++ {
		select {
		case m := <-fa.recv:
			if m.RowID <= lastID {
				t.Fatalf("replay not ascending by id: got %d after %d", m.RowID, lastID)
			}
			lastID = m.RowID
		case <-time.After(2 * time.Second):
			t.Fatalf("only received %d of 5 replayed messages", i)
		}
	}

	batch, err := st.UnshippedBatch(ctx, 10)
	if err != nil {
		t.Fatalf("UnshippedBatch: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("UnshippedBatch returned %d rows, want 0 after replay", len(batch))
	}
}
