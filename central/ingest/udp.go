package ingest

import (
	"context"
	"encoding/json"
	"net"

	"github.com/crlsmrls/apmpipeline/central/store"
	"github.com/crlsmrls/apmpipeline/internal/obsmetrics"
	"github.com/rs/zerolog/log"
)

const udpMaxPacket = 64 * 1024

// udpEnvelope is one UDP-ingested record, spec.md §4.5: fire-and-forget,
// no auth, and — per spec.md §9 Open Question 1 — the payload's own
// project field is authoritative here since the UDP path is trusted by
// design rather than additionally authenticated.
type udpEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Project       string          `json:"project"`
	Source        string          `json:"source"`
	Timestamp     float64         `json:"timestamp"`
	DurationMS    *float64        `json:"duration_ms"`
	Data          json.RawMessage `json:"data"`
}

// UDPListener accepts fire-and-forget profiling records on a trusted
// network segment. It never replies to the sender: spec.md §4.5 requires
// errors to increment counters but never be reflected back.
type UDPListener struct {
	Store     *store.Store
	forwarder Forwarder
	conn      net.PacketConn
}

// NewUDPListener builds a listener bound to addr (":<port>").
func NewUDPListener(addr string, s *store.Store, forwarder Forwarder) (*UDPListener, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPListener{Store: s, forwarder: forwarder, conn: conn}, nil
}

// Serve reads packets until the listener is closed, inserting each valid
// record and forwarding it downstream identically to an HTTP-ingested one.
func (u *UDPListener) Serve() {
	buf := make([]byte, udpMaxPacket)
	for {
		n, _, err := u.conn.ReadFrom(buf)
		if err != nil {
			return // listener closed
		}
		u.handlePacket(buf[:n])
	}
}

// Close stops accepting packets.
func (u *UDPListener) Close() error {
	return u.conn.Close()
}

func (u *UDPListener) handlePacket(data []byte) {
	var env udpEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Msg("apm central: discarding malformed UDP packet")
		return
	}
	if env.Project == "" || env.Source == "" || env.Timestamp <= 0 {
		log.Warn().Msg("apm central: discarding UDP packet missing required fields")
		return
	}

	rec := store.Record{
		CorrelationID: env.CorrelationID,
		Project:       env.Project, // trusted segment: payload's own project is authoritative here
		Source:        env.Source,
		Timestamp:     env.Timestamp,
		Payload:       string(data),
	}
	if env.DurationMS != nil {
		rec.DurationMS.Float64 = *env.DurationMS
		rec.DurationMS.Valid = true
	}

	id, err := u.Store.Insert(context.Background(), rec)
	if err != nil {
		log.Error().Err(err).Msg("apm central: UDP ingest store insert failed")
		return
	}
	obsmetrics.RecordsIngestedTotal.WithLabelValues(rec.Source, "udp").Inc()

	rec.ID = id
	if u.forwarder != nil {
		u.forwarder.ForwardInBackground(context.Background(), rec)
	}
}
