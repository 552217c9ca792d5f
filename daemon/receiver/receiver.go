// Package receiver accepts profiling records from local application agents
// over a Unix stream socket (newline-delimited JSON framing) and, optionally,
// a parallel Unix datagram socket. Each connection is handled on its own
// goroutine; parsed records are hand off to a single channel owned by the
// daemon's event loop, never touching shared state directly — Go's
// equivalent of the Oculo daemon's accept-loop/handle-connection/
// single-flush-owner structure, where Go gives us a channel instead of a
// single-threaded reactor.
package receiver

import (
	"bufio"
	"encoding/json"
	"net"
	"os"

	"github.com/rs/zerolog/log"
)

const maxLineSize = 1 << 20 // 1 MiB, generous headroom over the 64 KiB agent datagram cap

// Receiver owns the listening sockets and forwards parsed records.
type Receiver struct {
	StreamPath   string
	DatagramPath string

	out chan<- json.RawMessage

	streamLn net.Listener
	dgramLn  net.PacketConn
}

// New creates a Receiver that forwards every successfully parsed record to out.
func New(streamPath, datagramPath string, out chan<- json.RawMessage) *Receiver {
	return &Receiver{StreamPath: streamPath, DatagramPath: datagramPath, out: out}
}

// Start binds the configured sockets and begins accepting connections in the
// background. It returns once both listeners are bound, or an error if
// either bind fails.
func (r *Receiver) Start() error {
	os.Remove(r.StreamPath)
	ln, err := net.Listen("unix", r.StreamPath)
	if err != nil {
		return err
	}
	r.streamLn = ln
	go r.acceptLoop(ln)

	if r.DatagramPath != "" {
		os.Remove(r.DatagramPath)
		addr, err := net.ResolveUnixAddr("unixgram", r.DatagramPath)
		if err != nil {
			ln.Close()
			return err
		}
		dgram, err := net.ListenUnixgram("unixgram", addr)
		if err != nil {
			ln.Close()
			return err
		}
		r.dgramLn = dgram
		go r.datagramLoop(dgram)
	}
	return nil
}

// Close shuts down both listeners.
func (r *Receiver) Close() error {
	if r.streamLn != nil {
		r.streamLn.Close()
	}
	if r.dgramLn != nil {
		r.dgramLn.Close()
	}
	return nil
}

func (r *Receiver) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed during shutdown
		}
		go r.handleConnection(conn)
	}
}

func (r *Receiver) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		r.parseAndForward(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		log.Debug().Err(err).Msg("apm daemon: connection closed")
	}
}

func (r *Receiver) datagramLoop(conn net.PacketConn) {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return // listener closed during shutdown
		}
		r.parseAndForward(buf[:n])
	}
}

func (r *Receiver) parseAndForward(line []byte) {
	if len(line) == 0 {
		return
	}
	if !json.Valid(line) {
		log.Warn().Msg("apm daemon: discarding malformed record from agent")
		return
	}
	record := make(json.RawMessage, len(line))
	copy(record, line)
	r.out <- record
}
