package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	gate "github.com/ccgate/ccgate/internal"
	"github.com/ccgate/ccgate/internal/auth"
	"github.com/ccgate/ccgate/internal/balancer"
	"github.com/ccgate/ccgate/internal/config"
	"github.com/ccgate/ccgate/internal/logging"
	"github.com/ccgate/ccgate/internal/openai"
	"github.com/ccgate/ccgate/internal/pricing"
	"github.com/ccgate/ccgate/internal/proxy"
	"github.com/ccgate/ccgate/internal/server"
	"github.com/ccgate/ccgate/internal/telemetry"
	"github.com/ccgate/ccgate/internal/usage"
	"github.com/ccgate/ccgate/internal/worker"
)

// usageDir is the root of the tenant-partitioned usage file layout.
const usageDir = "data/usage"

func run(configDir string) error {
	start := time.Now()

	store, err := config.Open(configDir)
	if err != nil {
		return err
	}
	cfg := store.Get()

	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	slog.Info("starting ccgate",
		"version", version,
		"addr", cfg.Server.Addr(),
		"upstreams", len(cfg.Upstreams),
		"tenants", len(cfg.Tenants),
	)

	// Shared DNS cache for upstream and probe HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	upstreamClient := &http.Client{Transport: proxy.NewTransport(dnsResolver)}

	// Core services, all reading the live snapshot.
	pricer := pricing.New(func() []gate.PricingEntry { return store.Get().Pricing })
	usageStore := usage.NewStore(usageDir)
	guard := usage.NewGuard(usageStore, pricer)
	authn := auth.New(func() auth.TenantResolver { return store.Get() })

	bal := balancer.New(cfg.Upstreams, balancer.Settings{
		Strategy:           cfg.Balancer.Strategy,
		HealthCheckEnabled: cfg.Balancer.HealthCheckEnabled,
		FailoverEnabled:    cfg.Balancer.FailoverEnabled,
	})

	// Prometheus metrics.
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRegistry.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(promRegistry)
	metricsHandler := promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})

	// OpenTelemetry tracing.
	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(context.Background(), endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("ccgate/server")
			slog.Info("opentelemetry tracing enabled", "endpoint", endpoint, "sample_rate", sampleRate)
		}
	}

	anthProxy := proxy.New(proxy.Deps{
		Auth:     authn,
		Guard:    guard,
		Balancer: bal,
		Pricer:   pricer,
		Usage:    usageStore,
		Timeout:  func() time.Duration { return store.Get().Proxy.Timeout },
		Client:   upstreamClient,
		Metrics:  metrics,
	})

	openaiHandler := openai.NewHandler(anthProxy, func() openai.Settings {
		c := store.Get()
		return openai.Settings{
			Enabled: c.OpenAI.Enabled,
			Mapping: openai.ModelMapping{
				Models:       c.OpenAI.Models,
				DefaultModel: c.OpenAI.DefaultModel,
			},
		}
	})

	// Background workers: health probes and the config watcher.
	var prober *balancer.Prober
	workers := []worker.Worker{}
	if cfg.Balancer.HealthCheckEnabled {
		prober = balancer.NewProber(bal, &http.Client{Transport: proxy.NewTransport(dnsResolver)})
		workers = append(workers, prober)
	}
	workers = append(workers, config.NewWatcher(store, func(c *config.Config) {
		bal.Reload(c.Upstreams, balancer.Settings{
			Strategy:           c.Balancer.Strategy,
			HealthCheckEnabled: c.Balancer.HealthCheckEnabled,
			FailoverEnabled:    c.Balancer.FailoverEnabled,
		})
		if prober != nil {
			prober.Kick()
		}
	}))
	runner := worker.NewRunner(workers...)

	// Periodic DNS cache refresh.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				dnsResolver.Refresh(true)
			}
		}
	}()

	handler := server.New(server.Deps{
		Config:         store,
		Proxy:          anthProxy,
		OpenAI:         openaiHandler,
		Usage:          usageStore,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tracer,
		StartTime:      start,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("ccgate ready", "addr", cfg.Server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Drain in-flight requests, bounded by the proxy timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), store.Get().Proxy.Timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("ccgate stopped")
	return nil
}
