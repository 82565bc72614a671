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

	"golang.org/x/sync/errgroup"

	"github.com/nberk2/tradegate/internal/api"
	"github.com/nberk2/tradegate/internal/archive"
	"github.com/nberk2/tradegate/internal/config"
	"github.com/nberk2/tradegate/internal/controller"
	"github.com/nberk2/tradegate/internal/engine"
	"github.com/nberk2/tradegate/internal/job"
	"github.com/nberk2/tradegate/internal/queue"
	"github.com/nberk2/tradegate/internal/webhook"
	"github.com/nberk2/tradegate/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := slog.Default()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	arch, err := archive.New(cfg.ArchiveDir())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DownloadsDir(), 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checkEngine(ctx, cfg.EngineCommand)

	opts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithMinEntryLength(cfg.MinEntryLength),
		worker.WithResetTimeout(cfg.ResetTimeout()),
		worker.WithStorageDir(cfg.DataDir),
	}
	var hooks *webhook.Notifier
	if cfg.WebhookURL != "" {
		hooks, err = webhook.New(cfg.WebhookURL, logger)
		if err != nil {
			return err
		}
		opts = append(opts, worker.WithNotifier(hooks.Notify))
	}

	w := worker.New(store, arch,
		engine.NewCLI(cfg.EngineCommand, cfg.EngineArgs...),
		engine.CLIFactory(cfg.EngineCommand, cfg.EngineArgs...),
		cfg.DownloadsDir(), opts...)
	q := queue.New(w, cfg.QueueSize, cfg.Concurrency, logger)
	q.Start(ctx)
	queue.StartCleanup(ctx, store, cfg.JobTTLHours, cfg.CleanupIntervalMinutes, logger)

	ctrl := controller.New(store, arch, q, controller.WithLogger(logger))

	mux := http.NewServeMux()
	h := api.NewHandler(ctrl, store, cfg, logger)
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging(logger),
		api.RateLimit(cfg.RateLimitRPS),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  60 * time.Second,
		// No WriteTimeout: status event streams stay open for the length of an analysis.
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("tradegate listening", "addr", cfg.ListenAddr, "version", cfg.Version, "data_dir", cfg.DataDir)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	// Let the analysis in flight record its terminal state before the store closes.
	q.Wait()
	if hooks != nil {
		hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if herr := hooks.Shutdown(hookCtx); herr != nil {
			slog.Warn("abandoned pending webhook deliveries", "error", herr)
		}
	}
	return err
}

func openStore(cfg *config.Config) (job.Store, func(), error) {
	switch cfg.JobBackend {
	case config.BackendSQLite:
		s, err := job.NewSQLiteStore(cfg.SQLitePath())
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		s, err := job.NewFileStore(cfg.JobsDir())
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}
