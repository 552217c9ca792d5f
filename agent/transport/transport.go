// Package transport implements the fire-and-forget hand-off from the
// in-process collector to the host daemon: a local datagram send bounded by
// a kernel-enforced timeout, falling back to an atomic disk write whenever
// the send cannot complete. Nothing here may block the host request beyond
// the configured timeout.
package transport

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sort"
	"time"

	"github.com/crlsmrls/apmpipeline/agent/collector"
	"github.com/crlsmrls/apmpipeline/internal/spool"
	"github.com/rs/zerolog/log"
)

const (
	maxDatagramSize    = 64 * 1024
	truncatedFunctions = 50
	truncatedSQL       = 100
	slowSendWarnRatio  = 0.8
)

// Transport implements collector.Sink by sending over a Unix datagram
// socket and falling back to a spool file on any failure.
type Transport struct {
	SocketPath     string
	TimeoutMS      int
	DiskBufferPath string
}

// New builds a Transport from agent configuration values.
func New(socketPath string, timeoutMS int, diskBufferPath string) *Transport {
	if timeoutMS <= 0 {
		timeoutMS = 50
	}
	return &Transport{SocketPath: socketPath, TimeoutMS: timeoutMS, DiskBufferPath: diskBufferPath}
}

// Send serializes the payload, truncates it if oversized, and attempts a
// single best-effort datagram send within the configured timeout. Any
// failure — no receiver, EMSGSIZE, timeout — falls through to disk.
func (t *Transport) Send(p collector.Payload) error {
	start := time.Now()
	data, err := t.encode(p)
	if err != nil {
		return t.spill(data, err)
	}

	if len(data) > maxDatagramSize {
		return t.spill(data, fmt.Errorf("transport: payload %d bytes exceeds datagram limit after truncation", len(data)))
	}

	if err := t.sendDatagram(data); err != nil {
		return t.spill(data, err)
	}

	elapsed := time.Since(start)
	budget := time.Duration(t.TimeoutMS) * time.Millisecond
	if budget > 0 && float64(elapsed) > slowSendWarnRatio*float64(budget) {
		log.Warn().
			Dur("elapsed", elapsed).
			Dur("budget", budget).
			Str("correlation_id", p.CorrelationID).
			Msg("apm transport: local send approached its timeout budget")
	}
	return nil
}

// encode marshals the payload to JSON, applying the truncation ladder
// (function summary top 50, then SQL list top 100 by duration) if the
// result exceeds the datagram size limit.
func (t *Transport) encode(p collector.Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if len(data) <= maxDatagramSize {
		return data, nil
	}

	if p.Functions != nil && len(p.Functions.Top) > truncatedFunctions {
		p.Functions.Top = p.Functions.Top[:truncatedFunctions]
	}
	data, err = json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if len(data) <= maxDatagramSize {
		return data, nil
	}

	if len(p.SQL) > truncatedSQL {
		p.SQL = topByDuration(p.SQL, truncatedSQL)
		p.QueriesTrunc = true
	}
	return json.Marshal(p)
}

func topByDuration(events []collector.SQLEvent, n int) []collector.SQLEvent {
	sorted := make([]collector.SQLEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].DurationMS > sorted[j].DurationMS
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// sendDatagram opens a fresh Unix datagram socket with a write deadline and
// sends exactly one datagram to SocketPath.
func (t *Transport) sendDatagram(data []byte) error {
	conn, err := net.DialTimeout("unixgram", t.SocketPath, time.Duration(t.TimeoutMS)*time.Millisecond)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(time.Duration(t.TimeoutMS) * time.Millisecond)); err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

// spill writes the payload to the first writable disk-fallback directory,
// logging (but not propagating) a second failure.
func (t *Transport) spill(data []byte, cause error) error {
	if data == nil {
		return cause
	}

	dir, err := spool.FirstWritableDir(t.DiskBufferPath, os.TempDir()+"/apm-buffer", os.TempDir())
	if err != nil {
		log.Error().Err(err).Msg("apm transport: no writable disk-fallback directory")
		return err
	}

	name := spool.UniqueName("profile", rand.Uint32())
	if _, err := spool.Write(dir, name, data); err != nil {
		log.Error().Err(err).Msg("apm transport: disk fallback write failed, dropping record")
		return err
	}
	return nil
}

// CleanupSpoolFiles performs the opportunistic removal of spool files older
// than one hour, a defensive guard independent of the daemon's own replay.
func CleanupSpoolFiles(dir string) int {
	return spool.CleanOlderThan(dir, "profile_*.json", time.Hour)
}
