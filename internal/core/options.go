package core

import (
	"context"
	"time"
)

// Clock supplies the current time to the service.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// Logger is the structured logging surface used by the service. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MetricsRecorder observes the outcome and latency of service operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is finished exactly once with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

// DefaultBundleTTL is how long a downloaded bundle stays valid offline.
const DefaultBundleTTL = 24 * time.Hour

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	clock       Clock
	logger      Logger
	metrics     MetricsRecorder
	tracer      Tracer
	bundleTTL   time.Duration
	limitations []string
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock:       ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger:      noopLogger{},
		metrics:     noopMetricsRecorder{},
		tracer:      noopTracer{},
		bundleTTL:   DefaultBundleTTL,
		limitations: defaultOfflineLimitations(),
	}
}

// WithClock overrides the service clock.
func WithClock(clock Clock) Option {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(logger Logger) Option {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsRecorder installs a metrics sink.
func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(tracer Tracer) Option {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithBundleTTL sets how long downloaded bundles remain valid. Non-positive
// values keep the default.
func WithBundleTTL(ttl time.Duration) Option {
	return func(o *serviceOptions) {
		if ttl > 0 {
			o.bundleTTL = ttl
		}
	}
}

// WithOfflineLimitations replaces the limitation notes attached to bundles.
func WithOfflineLimitations(notes ...string) Option {
	return func(o *serviceOptions) {
		if len(notes) > 0 {
			o.limitations = append([]string(nil), notes...)
		}
	}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}
