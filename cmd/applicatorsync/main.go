// Command applicatorsync serves the applicator sync API, exports Prometheus
// metrics and archives the audit trail in the background.
package main

import (
	"applicatorsync/internal/adapters/auditarchive"
	"applicatorsync/internal/adapters/syncapi"
	"applicatorsync/internal/core"
	"applicatorsync/internal/infra/blob"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 15 * time.Second

var exitFunc = os.Exit

type config struct {
	addr            string
	bundleTTL       time.Duration
	archiveInterval time.Duration
	trace           bool
}

func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		addr:            ":8080",
		bundleTTL:       core.DefaultBundleTTL,
		archiveInterval: auditarchive.DefaultInterval,
	}
	if v := getenv("APPLICATORSYNC_HTTP_ADDR"); v != "" {
		cfg.addr = v
	}
	var err error
	if cfg.bundleTTL, err = durationEnv(getenv, "APPLICATORSYNC_BUNDLE_TTL", cfg.bundleTTL); err != nil {
		return config{}, err
	}
	if cfg.archiveInterval, err = durationEnv(getenv, "APPLICATORSYNC_ARCHIVE_INTERVAL", cfg.archiveInterval); err != nil {
		return config{}, err
	}
	if v := getenv("APPLICATORSYNC_TRACE"); v != "" {
		if cfg.trace, err = strconv.ParseBool(v); err != nil {
			return config{}, fmt.Errorf("APPLICATORSYNC_TRACE: %w", err)
		}
	}
	return cfg, nil
}

func durationEnv(getenv func(string) string, name string, def time.Duration) (time.Duration, error) {
	v := getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, v)
	}
	return d, nil
}

// app holds the wired components of a running process.
type app struct {
	handler  http.Handler
	service  *core.Service
	archiver *auditarchive.Archiver
	closers  []io.Closer
}

func (a *app) close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func build(ctx context.Context, cfg config, logger *slog.Logger, traceOut io.Writer) (*app, error) {
	store, err := core.OpenPersistentStore(core.NewDefaultRulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := core.NewPrometheusRecorder(reg)
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	opts := []core.Option{
		core.WithLogger(logger),
		core.WithMetricsRecorder(metrics),
		core.WithBundleTTL(cfg.bundleTTL),
	}
	if cfg.trace {
		tracer := core.NewJSONTracer(traceOut)
		// Spans go to traceOut only; nothing reads them back in the server.
		tracer.SetRetention(0)
		opts = append(opts, core.WithTracer(tracer))
	}
	a.service = core.NewService(store, opts...)

	archive, err := blob.Open(ctx)
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("open audit archive: %w", err)
	}
	a.archiver = auditarchive.New(a.service, archive,
		auditarchive.WithInterval(cfg.archiveInterval),
		auditarchive.WithLogger(logger),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", syncapi.NewHandler(a.service))
	a.handler = mux
	return a, nil
}

func run(ctx context.Context, getenv func(string) string, stdout io.Writer) error {
	logger := slog.New(slog.NewJSONHandler(stdout, nil))
	cfg, err := loadConfig(getenv)
	if err != nil {
		return err
	}
	a, err := build(ctx, cfg, logger, stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			logger.Error("close store", "error", err)
		}
	}()

	a.archiver.Start()
	srv := &http.Server{Addr: cfg.addr, Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = a.archiver.Stop(context.Background())
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if stopErr := a.archiver.Stop(shutdownCtx); stopErr != nil {
		err = errors.Join(err, stopErr)
	}
	// Archive entries recorded since the last tick.
	if _, archErr := a.archiver.ArchiveOnce(shutdownCtx); archErr != nil {
		err = errors.Join(err, archErr)
	}
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Getenv, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "applicatorsync:", err)
		stop()
		exitFunc(1)
	}
}
