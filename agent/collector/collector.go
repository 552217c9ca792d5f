// Package collector captures one host request's worth of profiling detail
// and hands it to the local transport at request end, without ever
// affecting the request itself.
//
// All per-request state lives on a *Collector value threaded through the
// request (via context or explicit plumbing by the host integration), never
// in a package-level global — the redesign spec.md §9 calls for in place of
// the original's module-level request state.
package collector

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/crlsmrls/apmpipeline/agent/config"
	"github.com/crlsmrls/apmpipeline/agent/correlation"
	"github.com/crlsmrls/apmpipeline/agent/redact"
	"github.com/rs/zerolog/log"
)

// Profiler is the capability interface for the optional function profiler.
// Its absence (a nil Profiler passed to Start) disables function profiling
// cleanly — the collector never branches on a concrete profiler's identity,
// per spec.md §9.
type Profiler interface {
	Start()
	Stop()
	Snapshot() FunctionInfo
}

// SqlEventSource is the contract the host passes to the collector so it can
// observe the host's database-access library without the collector
// publishing any concrete type of its own.
type SqlEventSource interface {
	OnBefore(func(statement string))
	OnAfter(func(statement string, durationMS float64, err error))
}

// Sink receives a completed payload for local-transport delivery. Bound at
// NewCollector time to keep the collector free of a direct transport
// dependency in tests.
type Sink interface {
	Send(Payload) error
}

// Collector owns one request's worth of profiling state.
type Collector struct {
	cfg           config.Config
	sink          Sink
	profiler      Profiler
	correlationID string
	start         time.Time

	mu           sync.Mutex
	sqlEvents    []SQLEvent
	sqlTruncated bool
	customCtx    map[string]any
	fatalErr     *FatalError

	request  RequestInfo
	response ResponseInfo
}

// New assigns a correlation ID, starts the wall clock, and starts the
// function profiler if enabled and available. It never returns an error:
// any problem is logged out-of-band and the collector degrades to a no-op.
func New(cfg config.Config, sink Sink, profiler Profiler) *Collector {
	c := &Collector{
		cfg:           cfg,
		sink:          sink,
		correlationID: correlation.NewID(),
		start:         time.Now(),
	}

	if !cfg.ProfilingEnabled {
		return c
	}

	if cfg.FunctionProfilingEnabled && profiler != nil {
		c.profiler = profiler
		safeCall(func() { c.profiler.Start() })
	}

	return c
}

// CorrelationID returns this request's correlation identifier.
func (c *Collector) CorrelationID() string {
	return c.correlationID
}

// AttachSQLSource subscribes to the host's "before query"/"after query"
// events, once the host's dependency injection has made them available.
func (c *Collector) AttachSQLSource(src SqlEventSource) {
	if !c.cfg.ProfilingEnabled || !c.cfg.SQLCaptureEnabled || src == nil {
		return
	}

	src.OnBefore(func(statement string) {})
	src.OnAfter(func(statement string, durationMS float64, err error) {
		safeCall(func() { c.recordSQL(statement, durationMS) })
	})
}

func (c *Collector) recordSQL(statement string, durationMS float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.sqlEvents) >= maxSQLEvents {
		c.sqlTruncated = true
		return
	}

	text := statement
	if c.cfg.SQLRedactSensitive {
		text = redact.SQL(text)
	}

	var stack []string
	if c.cfg.SQLStackTraceLimit > 0 {
		stack = captureStack(c.cfg.SQLStackTraceLimit)
	}

	c.sqlEvents = append(c.sqlEvents, SQLEvent{
		Statement:  text,
		DurationMS: durationMS,
		Stack:      stack,
	})
}

// SetRequestInfo records the filtered request metadata, applying header and
// recursive redaction if request_metadata_enabled is set.
func (c *Collector) SetRequestInfo(method, uri string, headers map[string][]string, query, form map[string]any) {
	if !c.cfg.ProfilingEnabled || !c.cfg.RequestMetadataEnabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.request = RequestInfo{
		Method:  method,
		URI:     uri,
		Headers: redact.Headers(headers),
	}
	if query != nil {
		c.request.Query, _ = redact.Value(query).(map[string]any)
	}
	if form != nil {
		c.request.Form, _ = redact.Value(form).(map[string]any)
	}
}

// SetResponseInfo records the filtered response metadata.
func (c *Collector) SetResponseInfo(status int, headers map[string][]string) {
	if !c.cfg.ProfilingEnabled || !c.cfg.RequestMetadataEnabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.response = ResponseInfo{
		StatusCode: status,
		Headers:    redact.Headers(headers),
	}
}

// SetCustomContext attaches an arbitrary, user-supplied context map to the
// eventual payload. Values are redacted the same way request metadata is.
func (c *Collector) SetCustomContext(ctx map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	redacted, _ := redact.Value(ctx).(map[string]any)
	c.customCtx = redacted
}

// SetFatalError records a fatal error observed during the request, to be
// included in the payload if the request is emitted.
func (c *Collector) SetFatalError(message, errType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fatalErr = &FatalError{Message: message, Type: errType}
}

// End runs the end-of-request hook: if the request was faster than the
// configured threshold, the entire payload (including any SQL captured) is
// discarded and nothing is sent. The function profiler is stopped
// unconditionally either way. The whole hook is wrapped in a universal
// failure sink — a panic here is recovered, logged, and never propagated to
// the host.
func (c *Collector) End() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("apm collector: recovered from panic in end-of-request hook")
		}
	}()

	if c.profiler != nil {
		safeCall(func() { c.profiler.Stop() })
	}

	if !c.cfg.ProfilingEnabled {
		return
	}

	elapsed := time.Since(c.start)
	durationMS := float64(elapsed.Microseconds()) / 1000.0

	if durationMS < float64(c.cfg.ThresholdMS) {
		return
	}

	payload := c.buildPayload(durationMS)
	if c.sink != nil {
		if err := c.sink.Send(payload); err != nil {
			log.Error().Err(err).Str("correlation_id", c.correlationID).Msg("apm collector: failed to hand off payload to local transport")
		}
	}
}

func (c *Collector) buildPayload(durationMS float64) Payload {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	p := Payload{
		CorrelationID: c.correlationID,
		Project:       c.cfg.ProjectName,
		Source:        "app_agent",
		Timestamp:     float64(now.UnixNano()) / 1e9,
		DurationMS:    durationMS,
		Request:       c.request,
		Response:      c.response,
		Timing: TimingInfo{
			StartUnix:  float64(c.start.UnixNano()) / 1e9,
			EndUnix:    float64(now.UnixNano()) / 1e9,
			DurationMS: durationMS,
		},
		SQL:          c.sqlEvents,
		Context:      c.customCtx,
		FatalError:   c.fatalErr,
		QueriesTrunc: c.sqlTruncated,
		Server: ServerIdentity{
			Hostname: hostname(),
			PID:      os.Getpid(),
		},
	}

	if c.cfg.MemoryTrackingEnabled {
		p.Memory = &MemoryInfo{PeakBytes: peakMemoryBytes()}
	}
	if c.profiler != nil {
		snap := c.profiler.Snapshot()
		p.Functions = &snap
	}

	return p
}

// captureStack records up to limit call-site locations, without argument
// values (runtime.Callers gives program counters and symbol names only).
func captureStack(limit int) []string {
	pcs := make([]uintptr, limit+4)
	n := runtime.Callers(4, pcs)
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]string, 0, limit)
	for len(out) < limit {
		frame, more := frames.Next()
		out = append(out, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		if !more {
			break
		}
	}
	return out
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("apm collector: recovered from panic")
		}
	}()
	f()
}
