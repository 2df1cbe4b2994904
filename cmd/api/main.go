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
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/your-org/facerec/internal/api"
	"github.com/your-org/facerec/internal/api/handlers"
	"github.com/your-org/facerec/internal/api/ws"
	"github.com/your-org/facerec/internal/config"
	"github.com/your-org/facerec/internal/facedb"
	"github.com/your-org/facerec/internal/live"
	"github.com/your-org/facerec/internal/observability"
	"github.com/your-org/facerec/internal/queue"
	"github.com/your-org/facerec/internal/storage"
	"github.com/your-org/facerec/internal/vision"
)

func main() {
	configPath := flag.String("config", os.Getenv("FD_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg, logger); err != nil {
		logger.Error("face recognition service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting face recognition service",
		"port", cfg.Server.Port,
		"backend", cfg.Store.Backend,
		"vision", cfg.Vision.Enabled,
	)

	blobs, err := storage.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Store.Backend, err)
	}
	defer func() {
		if err := storage.Close(blobs); err != nil {
			logger.Warn("close storage", "error", err)
		}
	}()

	store, err := facedb.Open(ctx, blobs, facedb.OptionsFromConfig(cfg.Store, logger)...)
	if err != nil {
		return fmt.Errorf("open face catalog: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("flush face catalog", "error", err)
		}
	}()

	st := store.Statistics()
	logger.Info("face catalog loaded",
		"identities", st.IdentityCount,
		"samples", st.SampleCount,
		"dimensionality", st.Dimensionality,
		"model", st.ModelID,
	)

	checks := []handlers.ReadinessCheck{{Name: "storage", Check: blobs.Ping}}

	var extractor vision.Extractor
	if cfg.Vision.Enabled {
		libPath := cfg.Vision.LibraryPath
		if libPath == "" {
			libPath = defaultONNXLibPath()
		}
		if err := vision.InitRuntime(libPath); err != nil {
			return err
		}
		defer vision.DestroyRuntime()

		ext, err := vision.NewONNXExtractor(cfg.Vision)
		if err != nil {
			return err
		}
		defer ext.Close()

		if err := store.CheckModel(ext.ModelID(), ext.Dim()); err != nil {
			return err
		}
		extractor = ext
	} else {
		logger.Warn("vision disabled, image uploads and live recognition are unavailable")
	}

	hub := ws.NewHub()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	var liveStats handlers.LiveStats
	if cfg.NATS.URL != "" {
		qc, err := queue.Connect(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer qc.Close()

		if err := qc.EnsureStreams(ctx); err != nil {
			return err
		}
		checks = append(checks, handlers.ReadinessCheck{
			Name:  "nats",
			Check: func(context.Context) error { return qc.Ping() },
		})

		if extractor != nil {
			opts := []live.Option{
				live.WithFrameStore(blobs),
				live.WithBroadcaster(hub),
				live.WithLogger(logger),
			}
			if cfg.Live.PublishEvents {
				opts = append(opts, live.WithPublisher(qc))
			}
			proc := live.NewProcessor(store, extractor, opts...)
			liveStats = proc

			g.Go(func() error {
				// The HTTP API stays up when the frame consumer cannot start.
				if err := proc.Run(gctx, qc, cfg.Live.WorkerCount); err != nil {
					logger.Error("live recognition", "error", err)
				}
				return nil
			})
			g.Go(func() error {
				reportQueueDepth(gctx, qc, logger)
				return nil
			})
		}
	}

	router := api.NewRouter(api.RouterConfig{
		APIKey:         cfg.Server.APIKey,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Logger:         logger,
		Store:          store,
		Extractor:      extractor,
		Hub:            hub,
		Live:           liveStats,
		Checks:         checks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down API server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("API server stopped")
	return err
}

// reportQueueDepth exports the FRAMES backlog periodically.
func reportQueueDepth(ctx context.Context, qc *queue.Client, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := qc.QueueDepth(ctx)
			if err != nil {
				logger.Warn("read frame queue depth", "error", err)
				continue
			}
			observability.FrameQueueDepth.Set(float64(depth))
		}
	}
}

func defaultONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}
