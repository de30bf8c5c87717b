package core

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder exports operation counts and latencies as Prometheus
// collectors. It satisfies MetricsRecorder.
type PrometheusRecorder struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the recorder's collectors with reg. A nil
// registerer leaves the collectors unregistered, which tests rely on.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "applicatorsync",
			Name:      "operations_total",
			Help:      "Service operations by name and result.",
		}, []string{"operation", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "applicatorsync",
			Name:      "operation_duration_seconds",
			Help:      "Service operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{r.operations, r.latency} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	result := "error"
	if success {
		result = "success"
	}
	r.operations.WithLabelValues(operation, result).Inc()
	r.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// Collectors exposes the underlying collectors, mainly for tests.
func (r *PrometheusRecorder) Collectors() (*prometheus.CounterVec, *prometheus.HistogramVec) {
	return r.operations, r.latency
}

// JSONTraceEntry is one finished span as written by JSONTracer.
type JSONTraceEntry struct {
	TraceID    string    `json:"trace_id"`
	SpanID     string    `json:"span_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// DefaultTraceRetention is how many finished spans a JSONTracer keeps in
// memory.
const DefaultTraceRetention = 1024

// JSONTracer writes finished spans as JSON lines and keeps the most recent
// ones for inspection. Spans started from a context that already carries a
// span join its trace, so a sync batch and its per-change transactions share
// an ID.
type JSONTracer struct {
	mu      sync.Mutex
	entries []JSONTraceEntry
	retain  int
	enc     *json.Encoder
	now     func() time.Time
}

// NewJSONTracer returns a tracer writing to w. A nil writer only retains
// entries in memory.
func NewJSONTracer(w io.Writer) *JSONTracer {
	t := &JSONTracer{retain: DefaultTraceRetention, now: func() time.Time { return time.Now().UTC() }}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// SetRetention caps the spans kept in memory at n. Zero keeps none.
func (t *JSONTracer) SetRetention(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retain = max(n, 0)
	t.trim()
}

// Entries returns a copy of the retained spans, oldest first.
func (t *JSONTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]JSONTraceEntry(nil), t.entries...)
}

func (t *JSONTracer) trim() {
	if extra := len(t.entries) - t.retain; extra > 0 {
		t.entries = append(t.entries[:0], t.entries[extra:]...)
	}
}

type spanKey struct{}

// Start implements Tracer.
func (t *JSONTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	span := &jsonSpan{
		tracer:    t,
		traceID:   uuid.NewString(),
		spanID:    uuid.NewString(),
		operation: operation,
		started:   t.now(),
	}
	if parent, ok := ctx.Value(spanKey{}).(*jsonSpan); ok {
		span.traceID = parent.traceID
		span.parentID = parent.spanID
	}
	return context.WithValue(ctx, spanKey{}, span), span
}

type jsonSpan struct {
	tracer    *JSONTracer
	traceID   string
	spanID    string
	parentID  string
	operation string
	started   time.Time
	once      sync.Once
}

func (s *jsonSpan) End(err error) {
	s.once.Do(func() {
		ended := s.tracer.now()
		entry := JSONTraceEntry{
			TraceID:    s.traceID,
			SpanID:     s.spanID,
			ParentID:   s.parentID,
			Operation:  s.operation,
			Status:     "success",
			DurationMS: float64(ended.Sub(s.started)) / float64(time.Millisecond),
			StartedAt:  s.started,
			EndedAt:    ended,
		}
		if err != nil {
			entry.Status = "error"
			entry.Error = err.Error()
		}
		s.tracer.mu.Lock()
		defer s.tracer.mu.Unlock()
		s.tracer.entries = append(s.tracer.entries, entry)
		s.tracer.trim()
		if s.tracer.enc != nil {
			_ = s.tracer.enc.Encode(entry)
		}
	})
}
