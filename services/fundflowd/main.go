package fundflowd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"fundflow/observability"
	"fundflow/observability/logging"
	telemetry "fundflow/observability/otel"
	"fundflow/services/fundflowd/store"
	"fundflow/services/ledger"
)

const sweepInterval = time.Minute

// Main initialises and runs the funding workflow daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/fundflowd/config.yaml", "path to fundflowd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("fundflowd", cfg.Environment,
		logging.WithLevel(cfg.Logging.Level),
		logging.WithFile(logging.FileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   true,
		}),
	)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("fundflowd", cfg.Environment))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	client := ledger.NewRPCClient(cfg.Ledger.Endpoint, cfg.Ledger.AuthToken, cfg.Ledger.Timeout.Duration,
		ledger.WithRateLimit(cfg.Ledger.RatePerSecond, cfg.Ledger.Burst))

	auth, err := NewAuthenticator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	srv, err := NewServer(ServerConfig{
		Ledger:     client,
		Store:      db,
		Auth:       auth,
		Escrow:     cfg.Escrow,
		RateLimit:  cfg.RateLimit,
		SessionTTL: cfg.SessionTTL.Duration,
		Logger:     logger,
		Metrics:    observability.Workflow(),
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	apiServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(srv.Handler(), "fundflowd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(stopCtx)
	g.Go(func() error {
		logger.Info("fundflowd listening", slog.String("addr", cfg.ListenAddress))
		return serve(apiServer)
	})
	g.Go(func() error {
		logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddress))
		return serve(metricsServer)
	})
	g.Go(func() error {
		return srv.sessions.run(ctx, sweepInterval)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(apiServer.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func serve(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
