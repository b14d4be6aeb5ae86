package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attachd/pkg/ams"
	"attachd/pkg/amsclient"
	"attachd/pkg/bus"
	"attachd/pkg/telemetry"
	"attachd/services/relay"
)

const serviceName = "relay"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := relay.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tel, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, os.Stdout)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	logger := tel.Logger
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	client, err := amsclient.New(cfg.GatewayURL, amsclient.WithTimeout(cfg.RequestTimeout))
	if err != nil {
		return fmt.Errorf("init ams client: %w", err)
	}

	manager, err := ams.NewManager(client,
		ams.WithSessionToken(cfg.SessionToken),
		ams.WithScenarioLogger(telemetry.NewScenarioLogger(logger, prometheus.DefaultRegisterer)),
		ams.WithMaxConcurrency(cfg.MaxConcurrency),
	)
	if err != nil {
		return err
	}

	b, err := bus.New(cfg.NATSURL, nats.Name(serviceName), nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer b.Close()

	if err := b.EnsureStream(cfg.Stream, cfg.StreamSubjects...); err != nil {
		return err
	}

	r, err := relay.New(manager, b, cfg.Options(), logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.InboundSubject, err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Error().Err(err).Msg("close relay")
		}
	}()

	mux := chi.NewRouter()
	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Method(http.MethodGet, "/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           tel.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server shutdown")
		}
	}()

	logger.Info().
		Str("inbound", cfg.InboundSubject).
		Str("outbound", cfg.OutboundSubject).
		Str("metrics_addr", server.Addr).
		Msg("relay started")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
