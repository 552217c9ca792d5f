// Package forwarder periodically drains the host daemon's queue and POSTs
// each record to the central ingest server, gated by a circuit breaker so a
// central outage doesn't pile up failed HTTP calls on every tick.
package forwarder

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/crlsmrls/apmpipeline/internal/breaker"
	"github.com/crlsmrls/apmpipeline/daemon/queue"
	"github.com/rs/zerolog/log"
)

const drainBatchSize = 50

// Forwarder drains a queue.Queue on a timer and ships records to the central
// ingest server's /ingest/app endpoint.
type Forwarder struct {
	Queue      *queue.Queue
	Breaker    *breaker.Breaker
	CentralURL string
	AuthToken  string
	Client     *http.Client
}

// New builds a Forwarder with a sane default HTTP client timeout.
func New(q *queue.Queue, b *breaker.Breaker, centralURL, authToken string) *Forwarder {
	return &Forwarder{
		Queue:      q,
		Breaker:    b,
		CentralURL: centralURL,
		AuthToken:  authToken,
		Client:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Tick drains up to one batch and attempts to forward it. On any failure the
// batch is put back on the front of the queue and the breaker records the
// failure; forwarding stops entirely once the breaker is open.
func (f *Forwarder) Tick(ctx context.Context) {
	if f.Breaker != nil && !f.Breaker.Allow() {
		return
	}

	batch := f.Queue.Drain(drainBatchSize)
	if len(batch) == 0 {
		return
	}

	if err := f.send(ctx, batch); err != nil {
		log.Warn().Err(err).Int("batch_size", len(batch)).Msg("apm daemon: forward to central failed, requeueing")
		f.Queue.Requeue(batch)
		if f.Breaker != nil {
			f.Breaker.Failure()
		}
		return
	}
	if f.Breaker != nil {
		f.Breaker.Success()
	}
}

func (f *Forwarder) send(ctx context.Context, batch []queue.Record) error {
	for _, record := range batch {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.CentralURL+"/ingest/app", bytes.NewReader(record))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if f.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+f.AuthToken)
		}

		resp, err := f.Client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("central ingest returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			log.Warn().Int("status", resp.StatusCode).Msg("apm daemon: central rejected record, dropping")
			continue
		}
	}
	return nil
}

// Run ticks on the configured interval until ctx is canceled, then returns
// without a final drain; records still queued stay in the queue.
func (f *Forwarder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Tick(ctx)
		}
	}
}
