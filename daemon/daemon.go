// Package daemon wires the host daemon's receiver, queue, forwarder,
// lifecycle tracker, and health endpoint into a single owning event loop —
// the Go realization of spec.md §9's "single-threaded cooperative event
// loop with no locks": one goroutine owns the queue and lifecycle state,
// fed by reader goroutines over a channel, exactly as the Oculo ingestion
// daemon separates its accept loop from its single flush owner.
package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/crlsmrls/apmpipeline/daemon/config"
	"github.com/crlsmrls/apmpipeline/daemon/forwarder"
	"github.com/crlsmrls/apmpipeline/daemon/health"
	"github.com/crlsmrls/apmpipeline/daemon/lifecycle"
	"github.com/crlsmrls/apmpipeline/daemon/queue"
	"github.com/crlsmrls/apmpipeline/daemon/receiver"
	"github.com/crlsmrls/apmpipeline/internal/breaker"
	"github.com/rs/zerolog/log"
)

// RestartExitCode is returned by the process on a voluntary lifecycle
// restart, distinct from a crash, so a supervisor (systemd, init) can tell
// the two apart in its restart policy.
const RestartExitCode = 75

const incomingBufferSize = 4096

// Daemon is the host daemon's top-level orchestrator.
type Daemon struct {
	cfg       *config.Config
	queue     *queue.Queue
	breaker   *breaker.Breaker
	forwarder *forwarder.Forwarder
	lifecycle *lifecycle.Tracker
	receiver  *receiver.Receiver

	start    time.Time
	incoming chan json.RawMessage

	mu          sync.Mutex
	restartWant string
}

// New builds a Daemon from its configuration, wiring every subcomponent.
func New(cfg *config.Config) *Daemon {
	q := queue.New(cfg.MemLimit, cfg.SpoolDir)
	b := breaker.New(breaker.Options{
		FailureThreshold: 5,
		RetryTimeout:     30 * time.Second,
		StatePath:        cfg.BreakerStateFp,
	})
	fwd := forwarder.New(q, b, cfg.CentralURL, cfg.AuthToken)
	lc := lifecycle.New(cfg.MaxRequests, cfg.MemoryLimitMB, time.Duration(cfg.GCIntervalSec)*time.Second)

	incoming := make(chan json.RawMessage, incomingBufferSize)
	r := receiver.New(cfg.SocketPath, cfg.DatagramPath, incoming)

	return &Daemon{
		cfg:       cfg,
		queue:     q,
		breaker:   b,
		forwarder: fwd,
		lifecycle: lc,
		receiver:  r,
		start:     time.Now(),
		incoming:  incoming,
	}
}

// Run replays any spilled queue from a prior crash, starts the receiver,
// forwarder, and health server, then owns the event loop until ctx is
// canceled or a lifecycle restart is requested. On return, the caller
// should check Restarting() and, if true, exit with RestartExitCode after
// any process-level cleanup.
func (d *Daemon) Run(ctx context.Context) error {
	if n, err := d.queue.Replay(); err != nil {
		log.Error().Err(err).Msg("apm daemon: queue replay failed")
	} else if n > 0 {
		log.Info().Int("records", n).Msg("apm daemon: replayed spilled queue from prior run")
	}

	if err := d.receiver.Start(); err != nil {
		return err
	}
	defer d.receiver.Close()

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.forwarder.Run(runCtx, time.Duration(d.cfg.FlushInterval)*time.Second)
	}()

	healthSrv := &http.Server{Addr: d.cfg.HealthAddr, Handler: health.Handler(d)}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("apm daemon: health endpoint failed")
		}
	}()

	gcTicker := time.NewTicker(time.Second)
	defer gcTicker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case record := <-d.incoming:
			d.admit(record)
			if restart, reason := d.lifecycle.ShouldRestart(); restart {
				d.setRestart(reason)
				break loop
			}
		case now := <-gcTicker.C:
			d.lifecycle.MaybeForceGC(now)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	healthSrv.Shutdown(shutdownCtx)
	shutdownCancel()
	cancel()
	wg.Wait()

	if err := d.queue.SpillAll(); err != nil {
		log.Error().Err(err).Msg("apm daemon: failed to spill queue at shutdown")
	}
	return nil
}

func (d *Daemon) admit(record json.RawMessage) {
	if err := d.queue.Push(record); err != nil {
		log.Error().Err(err).Msg("apm daemon: failed to admit record, record dropped")
		return
	}
	d.lifecycle.RecordHandled()
}

func (d *Daemon) setRestart(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restartWant = reason
	log.Info().Str("reason", reason).Msg("apm daemon: voluntary restart threshold crossed")
}

// Restarting reports whether Run exited due to a voluntary lifecycle
// restart, and if so, why.
func (d *Daemon) Restarting() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restartWant != "", d.restartWant
}

// HealthSnapshot implements health.Provider.
func (d *Daemon) HealthSnapshot() health.Snapshot {
	return health.Snapshot{
		UptimeSeconds:  time.Since(d.start).Seconds(),
		QueueDepth:     d.queue.Len(),
		SpoolFileCount: d.queue.SpoolFileCount(),
		BreakerState:   d.breaker.State().String(),
		LastFailure:    d.breaker.LastFailure(),
	}
}
