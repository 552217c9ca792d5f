// Package shipper sends persisted profiling records to the external log
// aggregator over framed TCP, guarded by a circuit breaker and replaying
// un-shipped rows once the breaker recovers — spec.md §4.7.
package shipper

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/crlsmrls/apmpipeline/central/store"
	"github.com/crlsmrls/apmpipeline/internal/breaker"
	"github.com/rs/zerolog/log"
)

const (
	protocolVersion = "1.1"
	levelInfo       = 6 // syslog INFORMATIONAL, the conventional Graylog GELF level

	replayBatchSize     = 100
	replayBatchInterval = 100 * time.Millisecond

	sendDeadline = 5 * time.Second
)

// message is the wire shape sent to the log aggregator, one per record,
// each delimited on the wire by a single zero byte.
type message struct {
	Version      string  `json:"version"`
	Host         string  `json:"host"`
	ShortMessage string  `json:"short_message"`
	Timestamp    float64 `json:"timestamp"`
	Level        int     `json:"level"`
	FullMessage  string  `json:"full_message"`

	CorrelationID string  `json:"_correlation_id"`
	Project       string  `json:"_project"`
	Source        string  `json:"_source"`
	RowID         int64   `json:"_row_id"`
	DurationMS    float64 `json:"_duration_ms,omitempty"`

	URL          string  `json:"_url,omitempty"`
	Method       string  `json:"_method,omitempty"`
	StatusCode   int     `json:"_status_code,omitempty"`
	SQLCount     int     `json:"_sql_count,omitempty"`
	SQLTotalMS   float64 `json:"_sql_total_ms,omitempty"`
	PeakMemoryMB float64 `json:"_peak_memory_mb,omitempty"`
	ServerHost   string  `json:"_server_hostname,omitempty"`
}

const maxURLLen = 500

// payloadExtract is the subset of agent/collector.Payload the shipper reads
// opportunistically to enrich a message; the shipper never imports
// agent/collector since its only contact with a payload is this opaque
// JSON string on the wire.
type payloadExtract struct {
	Request struct {
		URI    string `json:"uri"`
		Method string `json:"method"`
	} `json:"request"`
	Response struct {
		StatusCode int `json:"status_code"`
	} `json:"response"`
	Memory *struct {
		PeakBytes int64 `json:"peak_bytes"`
	} `json:"memory"`
	Server struct {
		Hostname string `json:"hostname"`
	} `json:"server"`
	SQL []struct {
		DurationMS float64 `json:"duration_ms"`
	} `json:"sql"`
}

// buildMessage constructs the wire message for rec, per spec.md §4.7's field list.
func buildMessage(rec store.Record) message {
	m := message{
		Version:       protocolVersion,
		Host:          rec.Source,
		ShortMessage:  fmt.Sprintf("%s - %s", rec.Source, rec.Project),
		Timestamp:     rec.Timestamp,
		Level:         levelInfo,
		FullMessage:   rec.Payload,
		CorrelationID: rec.CorrelationID,
		Project:       rec.Project,
		Source:        rec.Source,
		RowID:         rec.ID,
	}
	if rec.DurationMS.Valid {
		m.DurationMS = rec.DurationMS.Float64
	}

	var p payloadExtract
	if err := json.Unmarshal([]byte(rec.Payload), &p); err == nil {
		if p.Request.URI != "" {
			url := p.Request.URI
			if len(url) > maxURLLen {
				url = url[:maxURLLen]
			}
			m.URL = url
		}
		m.Method = p.Request.Method
		m.StatusCode = p.Response.StatusCode
		if p.Memory != nil {
			m.PeakMemoryMB = float64(p.Memory.PeakBytes) / (1024 * 1024)
		}
		m.ServerHost = p.Server.Hostname
		if len(p.SQL) > 0 {
			m.SQLCount = len(p.SQL)
			var total float64
			for _, q := range p.SQL {
				total += q.DurationMS
			}
			m.SQLTotalMS = total
		}
	}
	return m
}

// Dialer abstracts the TCP connection so tests can substitute a fake
// aggregator without binding a real socket.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}

// Shipper sends records to the log aggregator, gated by a circuit breaker
// parameterized by error-percentage-over-minimum-volume as spec.md §4.7
// requires (defaults: 50% failures over 5 requests, 60s reset).
type Shipper struct {
	Addr    string
	Breaker *breaker.Breaker
	Dial    Dialer
}

// New builds a Shipper targeting host:port, persisting breaker state at statePath.
func New(host string, port int, statePath string) *Shipper {
	return &Shipper{
		Addr: fmt.Sprintf("%s:%d", host, port),
		Breaker: breaker.New(breaker.Options{
			MinVolume:    5,
			ErrorPercent: 0.5,
			RetryTimeout: 60 * time.Second,
			StatePath:    statePath,
		}),
		Dial: defaultDialer,
	}
}

// Send ships one record through the breaker and returns any failure to its
// caller. The ingest path goes through ForwardInBackground instead, which
// only logs the failure so it never surfaces back to the ingest handler.
func (s *Shipper) Send(ctx context.Context, rec store.Record) error {
	if !s.Breaker.Allow() {
		return fmt.Errorf("shipper: circuit breaker open")
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendDeadline)
	defer cancel()

	if err := s.sendFramed(sendCtx, buildMessage(rec)); err != nil {
		s.Breaker.Failure()
		return err
	}
	s.Breaker.Success()
	return nil
}

func (s *Shipper) sendFramed(ctx context.Context, m message) error {
	conn, err := s.Dial(ctx, s.Addr)
	if err != nil {
		return fmt.Errorf("shipper: dial %s: %w", s.Addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("shipper: marshal message: %w", err)
	}
	// Framing is mandatory: a zero byte delimits each message on the wire,
	// without which the aggregator silently drops data (spec.md §4.7).
	data = append(data, 0)

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("shipper: write: %w", err)
	}
	return nil
}

// ForwardInBackground schedules Send without awaiting it, exactly the
// ingress coupling spec.md §4.7 specifies: a store-insert always completes
// independent of shipping, and a forward failure is logged but never
// returned to the ingest caller.
func (s *Shipper) ForwardInBackground(ctx context.Context, rec store.Record) {
	go func() {
		if err := s.Send(ctx, rec); err != nil {
			log.Warn().Err(err).Int64("row_id", rec.ID).Msg("apm central: shipper forward failed, row stays unforwarded")
		}
	}()
}

// Replayer streams rows with forwarded = 0 in ascending id order once the
// breaker recovers, batching by replayBatchSize with a short inter-batch
// delay — spec.md §4.7's recovery replay.
type Replayer struct {
	Store   *store.Store
	Shipper *Shipper
}

// NewReplayer builds a Replayer over s using shipper to send.
func NewReplayer(s *store.Store, shipper *Shipper) *Replayer {
	return &Replayer{Store: s, Shipper: shipper}
}

// Run watches the breaker for a transition into closed and, on each such
// transition, drains every unshipped row before going back to watching.
// It exits when ctx is canceled.
func (rp *Replayer) Run(ctx context.Context) {
	wasOpen := rp.Shipper.Breaker.State() != breaker.Closed
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed := rp.Shipper.Breaker.State() == breaker.Closed
			if closed && wasOpen {
				rp.drainAll(ctx)
			}
			wasOpen = !closed
		}
	}
}

// drainAll repeatedly pulls batches of unshipped rows and ships them in
// ascending id order, stopping cleanly (to wait for the next recovery) the
// moment the breaker opens mid-batch.
func (rp *Replayer) drainAll(ctx context.Context) {
	for {
		if !rp.Shipper.Breaker.Allow() {
			return
		}
		batch, err := rp.Store.UnshippedBatch(ctx, replayBatchSize)
		if err != nil {
			log.Error().Err(err).Msg("apm central: shipper replay read failed")
			return
		}
		if len(batch) == 0 {
			return
		}

		for _, rec := range batch {
			if !rp.Shipper.Breaker.Allow() {
				return
			}
			if err := rp.Shipper.Send(ctx, rec); err != nil {
				log.Warn().Err(err).Int64("row_id", rec.ID).Msg("apm central: shipper replay send failed, stopping batch")
				return
			}
			if err := rp.Store.MarkForwarded(ctx, rec.ID); err != nil {
				log.Error().Err(err).Int64("row_id", rec.ID).Msg("apm central: failed to mark replayed row forwarded")
			}
		}

		if len(batch) < replayBatchSize {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(replayBatchInterval):
		}
	}
}
