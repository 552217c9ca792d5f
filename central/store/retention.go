package store

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// RetentionWindow is the hard 7-day cap spec.md §3 invariant 6 and §4.6
// both name.
const RetentionWindow = 7 * 24 * time.Hour

// incrementalVacuumPages bounds each sweep's incremental vacuum so a large
// deletion doesn't stall the single writer for an unbounded amount of time.
const incrementalVacuumPages = 1000

// Sweeper runs the hourly, boot-aligned retention deletion described in
// spec.md §4.6, scheduled with robfig/cron the way the pack's
// nishisan-dev-n-backup and streamspace retention jobs schedule their own
// periodic sweeps.
type Sweeper struct {
	store *Store
	cron  *cron.Cron
}

// NewSweeper builds a Sweeper bound to store.
func NewSweeper(s *Store) *Sweeper {
	return &Sweeper{store: s, cron: cron.New()}
}

// Start runs one sweep immediately (the boot-time run spec.md §4.6 calls
// for), then schedules the hourly-on-the-hour job until ctx is canceled.
func (sw *Sweeper) Start(ctx context.Context) error {
	sw.Sweep(ctx)

	if _, err := sw.cron.AddFunc("0 * * * *", func() { sw.Sweep(ctx) }); err != nil {
		return err
	}
	sw.cron.Start()
	go func() {
		<-ctx.Done()
		sw.cron.Stop()
	}()
	return nil
}

// Sweep deletes every row older than RetentionWindow and, if anything was
// deleted, runs a bounded incremental vacuum. Failures are logged and
// retried on the next scheduled run, per spec.md §7.
func (sw *Sweeper) Sweep(ctx context.Context) {
	cutoff := float64(time.Now().Add(-RetentionWindow).UnixNano()) / 1e9

	res, err := sw.store.db.ExecContext(ctx, `DELETE FROM profiling_records WHERE created_at < ?`, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("apm central: retention sweep failed")
		return
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		log.Error().Err(err).Msg("apm central: retention sweep rows-affected failed")
		return
	}
	if deleted == 0 {
		return
	}

	log.Info().Int64("deleted", deleted).Msg("apm central: retention sweep deleted expired records")
	// PRAGMA statements take a literal argument, not a bound parameter, so
	// the page count is formatted directly into the statement text.
	vacuumStmt := fmt.Sprintf(`PRAGMA incremental_vacuum(%d)`, incrementalVacuumPages)
	if _, err := sw.store.db.ExecContext(ctx, vacuumStmt); err != nil {
		log.Error().Err(err).Msg("apm central: incremental vacuum failed")
		return
	}
	sw.store.SetLastVacuum(time.Now())
}
