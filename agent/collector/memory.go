package collector

import "runtime"

// peakMemoryBytes reports the current heap allocation as a proxy for peak
// memory; Go's runtime does not expose a true high-water mark without
// enabling allocation profiling, so this samples HeapAlloc at request end,
// matching the cheapest capability the teacher's metrics layer exposes
// (internal/obsmetrics.GetMetricsInfo's "allocated_bytes" reading).
func peakMemoryBytes() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapAlloc)
}
