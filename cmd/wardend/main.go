// Command wardend serves lock and throttle diagnostics plus Prometheus
// metrics for a warden stack described by a YAML file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-warden/v1/inspect"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/presets"
)

var configPath = flag.String("config", "", "Path to the YAML configuration file")

func main() {
	flag.Parse()
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// open builds the stack selected by cfg.Backend.
func open(ctx context.Context, cfg *Config) (*presets.Warden, error) {
	o := cfg.presetOptions()
	redisOpts := presets.RedisOptions{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	switch cfg.Backend {
	case BackendMemory:
		return presets.NewInMemory(o)
	case BackendRedis:
		return presets.NewRedis(redisOpts, o)
	case BackendRedisNATS:
		return presets.NewRedisNATS(redisOpts, cfg.NATSURL, o)
	case BackendPostgres:
		return presets.NewPostgres(ctx, cfg.PostgresDSN, cfg.NATSURL, o)
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func run(ctx context.Context, cfg *Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.TraceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	w, err := open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening %s backend: %w", cfg.Backend, err)
	}
	defer w.Close()

	reg := metrics.NewRegistry()
	metrics.RegisterMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", inspect.New(w.Locks,
		inspect.WithThrottle(w.Throttle),
		inspect.WithEvents(w.Bus, ""),
		inspect.WithLogger(logger),
	))
	g, gctx := errgroup.WithContext(ctx)
	// Event streams end with the daemon instead of holding Shutdown open.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}
	g.Go(func() error {
		logger.Info("warden: listening", "addr", cfg.Listen, "backend", cfg.Backend)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
