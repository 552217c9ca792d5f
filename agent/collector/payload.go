package collector

// Payload is the full captured detail for one host request, matching the
// "Payload contents" table in spec.md §3.
type Payload struct {
	CorrelationID string         `json:"correlation_id"`
	Project       string         `json:"project"`
	Source        string         `json:"source"`
	Timestamp     float64        `json:"timestamp"`
	DurationMS    float64        `json:"duration_ms"`
	Request       RequestInfo    `json:"request"`
	Response      ResponseInfo   `json:"response"`
	Timing        TimingInfo     `json:"timing"`
	Memory        *MemoryInfo    `json:"memory,omitempty"`
	Functions     *FunctionInfo  `json:"functions,omitempty"`
	SQL           []SQLEvent     `json:"sql,omitempty"`
	Server        ServerIdentity `json:"server"`
	Context       map[string]any `json:"context,omitempty"`
	FatalError    *FatalError    `json:"fatal_error,omitempty"`
	QueriesTrunc  bool           `json:"queries_truncated,omitempty"`
}

// RequestInfo holds the filtered request metadata.
type RequestInfo struct {
	Method  string            `json:"method"`
	URI     string            `json:"uri"`
	Headers map[string]string `json:"headers"`
	Query   map[string]any    `json:"query,omitempty"`
	Form    map[string]any    `json:"form,omitempty"`
}

// ResponseInfo holds the filtered response metadata.
type ResponseInfo struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
}

// TimingInfo holds the request's wall-clock timing.
type TimingInfo struct {
	StartUnix  float64 `json:"start"`
	EndUnix    float64 `json:"end"`
	DurationMS float64 `json:"duration_ms"`
}

// MemoryInfo holds the captured peak memory usage, in bytes.
type MemoryInfo struct {
	PeakBytes int64 `json:"peak_bytes"`
}

// FunctionSummary is one entry in the function-profiling top-N list.
type FunctionSummary struct {
	Name      string  `json:"name"`
	CallCount int     `json:"call_count"`
	WallMS    float64 `json:"wall_ms"`
}

// FunctionInfo holds the function-profiling summary: the top-N functions by
// wall time, plus the subset that individually account for >= 5% of total
// wall time (the "hotspot list").
type FunctionInfo struct {
	Top      []FunctionSummary `json:"top"`
	Hotspots []FunctionSummary `json:"hotspots"`
}

// SQLEvent is one captured SQL statement.
type SQLEvent struct {
	Statement  string   `json:"statement"`
	DurationMS float64  `json:"duration_ms"`
	Stack      []string `json:"stack,omitempty"`
	Connection string   `json:"connection,omitempty"`
}

// ServerIdentity identifies the host emitting the payload.
type ServerIdentity struct {
	Hostname string `json:"hostname"`
	PID      int    `json:"pid"`
}

// FatalError captures a fatal error observed during the request, if any.
type FatalError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Stack   []string `json:"stack,omitempty"`
}

const (
	maxSQLEvents           = 500
	maxFunctionSummary     = 50
	maxSQLEventsTruncated  = 100
	hotspotWallTimePercent = 0.05
)
