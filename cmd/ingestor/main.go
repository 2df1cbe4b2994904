package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/facerec/internal/config"
	"github.com/your-org/facerec/internal/ingest"
	"github.com/your-org/facerec/internal/observability"
	"github.com/your-org/facerec/internal/queue"
)

func main() {
	configPath := flag.String("config", os.Getenv("FD_CONFIG"), "path to config file")
	metricsAddr := flag.String("metrics-addr", ":8081", "address for /metrics and /healthz")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg, *metricsAddr, logger); err != nil {
		logger.Error("ingestor failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, metricsAddr string, logger *slog.Logger) error {
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting frame ingestor", "streams", len(cfg.Ingest.Streams), "frame_width", cfg.Ingest.FrameWidth)

	qc, err := queue.Connect(cfg.NATS.URL)
	if err != nil {
		return err
	}
	defer qc.Close()

	if err := qc.EnsureStreams(ctx); err != nil {
		return err
	}

	manager := ingest.NewManager(qc, cfg.Ingest.FrameWidth, ingest.WithLogger(logger))

	sub, err := qc.SubscribeControl(cfg.Ingest.ControlSubject, func(data []byte) {
		if err := manager.HandleCommand(ctx, data); err != nil {
			logger.Error("handle stream command", "error", err)
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	for _, src := range cfg.Ingest.Streams {
		if err := manager.Start(ctx, src); err != nil {
			logger.Error("start configured stream", "stream_id", src.ID, "error", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := qc.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, `{"status":"not ready","active_streams":%d}`, len(manager.Active()))
			return
		}
		_, _ = fmt.Fprintf(w, `{"status":"ok","active_streams":%d}`, len(manager.Active()))
	})
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("ingestor metrics listening", "addr", metricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down ingestor")

	manager.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}

	logger.Info("ingestor stopped")
	return nil
}
