// Package queue implements the host daemon's bounded in-memory FIFO, with
// atomic spill-to-disk on pressure and filename-ordered replay on start —
// grounded in the Oculo ingestion daemon's batch-buffer-plus-replay-on-crash
// structure, generalized from a byte buffer to a record queue.
package queue

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/crlsmrls/apmpipeline/internal/spool"
	"github.com/rs/zerolog/log"
)

const spillPattern = "daemon_queue_*.json"

// Record is one forwarded profiling record, held as opaque JSON: the queue
// never needs to understand a payload's shape, only to move it intact.
type Record = json.RawMessage

// Queue is a capacity-bounded FIFO. All exported methods are safe for
// concurrent use, though in this codebase a single owning goroutine performs
// every mutation (spec.md §9's single-worker event loop).
type Queue struct {
	mu       sync.Mutex
	items    []Record
	capacity int
	spoolDir string
	spillSeq uint32
}

// New creates a Queue with the given capacity and spool directory.
func New(capacity int, spoolDir string) *Queue {
	return &Queue{capacity: capacity, spoolDir: spoolDir}
}

// Push admits r, spilling the entire in-memory queue to disk first if it is
// already at capacity. Admission itself never blocks on anything but a
// single disk write.
func (q *Queue) Push(r Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		if err := q.spillLocked(); err != nil {
			return err
		}
	}
	q.items = append(q.items, r)
	return nil
}

// Len reports the number of records currently held in memory.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns up to n records from the front of the queue.
func (q *Queue) Drain(n int) []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]Record, n)
	copy(out, q.items[:n])
	q.items = q.items[n:]
	return out
}

// Requeue pushes previously-drained records back onto the front of the
// queue, for the forwarder to retry after a failed send. It bypasses the
// capacity spill check: a requeue must never lose records it already owns.
func (q *Queue) Requeue(records []Record) {
	if len(records) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append([]Record{}, records...), q.items...)
}

// SpillAll flushes every in-memory record to disk and empties the queue,
// used at shutdown so nothing in flight is lost.
func (q *Queue) SpillAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.spillLocked()
}

// spillLocked must be called with q.mu held.
func (q *Queue) spillLocked() error {
	data, err := json.Marshal(q.items)
	if err != nil {
		return err
	}
	q.spillSeq++
	name := spool.UniqueName("daemon_queue", q.spillSeq)
	if _, err := spool.Write(q.spoolDir, name, data); err != nil {
		return err
	}
	q.items = q.items[:0]
	return nil
}

// Replay reads spilled files in filename (arrival) order and re-admits their
// records, applying the same capacity/spill logic as a live Push. Corrupt
// files are logged and discarded rather than blocking startup.
func (q *Queue) Replay() (int, error) {
	entries, err := spool.List(q.spoolDir, spillPattern)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, e := range entries {
		data, err := os.ReadFile(e.Path)
		if err != nil {
			log.Error().Err(err).Str("file", e.Path).Msg("apm daemon: failed to read spool file during replay")
			os.Remove(e.Path)
			continue
		}
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			log.Error().Err(err).Str("file", e.Path).Msg("apm daemon: corrupt spool file discarded during replay")
			os.Remove(e.Path)
			continue
		}
		for _, r := range records {
			if err := q.Push(r); err != nil {
				log.Error().Err(err).Msg("apm daemon: failed to re-admit replayed record")
				continue
			}
			replayed++
		}
		os.Remove(e.Path)
	}
	return replayed, nil
}

// SpoolFileCount reports how many spilled files are currently on disk,
// surfaced by the health endpoint.
func (q *Queue) SpoolFileCount() int {
	entries, err := spool.List(q.spoolDir, spillPattern)
	if err != nil {
		return 0
	}
	return len(entries)
}
