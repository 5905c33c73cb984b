package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/bidwatch/bidwatch/internal/config"
	"github.com/bidwatch/bidwatch/internal/console"
	"github.com/bidwatch/bidwatch/internal/storage"
	"github.com/bidwatch/bidwatch/internal/worker"
)

func main() {
	configPath := flag.String("config", "./console.config.json", "path to console config file")
	envPath := flag.String("env", ".env", "path to optional .env file with secret overrides")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Missing .env is fine; secrets then come from the config file or the
	// process environment.
	if err := godotenv.Load(*envPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to load env file", zap.String("path", *envPath), zap.Error(err))
	}

	cfg, err := config.LoadConsoleConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("config loaded successfully",
		zap.String("config_path", *configPath),
	)

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	migrationRunner := storage.NewMigrationRunner(db)
	if err := migrationRunner.Migrate(); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("database migrations complete")

	console.InitMetrics()
	logger.Info("metrics initialized")

	records := storage.NewRecordStore(db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := console.NewHub(ctx, cfg.Server.AllowedOrigins, logger)
	go hub.Run()

	statuses := console.NewStatusCache()
	statuses.SetPublisher(hub)

	workerTimeout := time.Duration(cfg.Worker.RequestTimeoutSec) * time.Second
	workerClient := worker.NewHTTPClient(cfg.Worker.BaseURL, cfg.Worker.AuthToken, workerTimeout)
	checkWorkerVersion(ctx, workerClient, cfg.Worker.VersionConstraint, logger)

	sessions := console.NewSessionStore(db, statuses, logger)
	if err := sessions.LoadFromDB(); err != nil {
		logger.Error("failed to load sessions", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("sessions loaded", zap.Int("count", len(sessions.List())))

	poller := console.NewStatusPoller(
		workerClient,
		statuses,
		records,
		time.Duration(cfg.Polling.SessionIntervalSec)*time.Second,
		time.Duration(cfg.Polling.SessionTimeoutSec)*time.Second,
		logger,
	)
	sessions.SetPoller(poller)

	dispatcher := console.NewCommandDispatcher(sessions, statuses, poller, workerClient, records, workerTimeout, logger)

	notifier, err := console.NewNotifier(cfg.Alerts.Discord.BotToken, cfg.Alerts.Discord.ChannelID, logger)
	if err != nil {
		logger.Error("failed to create discord notifier", zap.Error(err))
	} else if notifier != nil {
		if startErr := notifier.Start(); startErr != nil {
			logger.Error("failed to start discord notifier", zap.Error(startErr))
			notifier = nil
		} else {
			dispatcher.SetNotifier(notifier)
			logger.Info("discord notifier started")
		}
	}

	engine := console.NewAggregationEngine(statuses, records, logger)
	broadcaster := console.NewDashboardBroadcaster(
		engine,
		hub,
		time.Duration(cfg.Polling.DashboardIntervalSec)*time.Second,
		logger,
	)
	broadcaster.Start()

	api := console.NewHTTPAPI(sessions, statuses, poller, dispatcher, engine, records, cfg.Server.AuthToken, logger)
	api.SetHub(hub)
	api.SetHealthChecker(console.NewHealthChecker(db, hub, poller, dispatcher))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigChan:
		logger.Info("received signal, initiating graceful shutdown",
			zap.String("signal", sig.String()),
		)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during http shutdown", zap.Error(err))
	}

	broadcaster.Stop()
	poller.Close()
	if notifier != nil {
		if stopErr := notifier.Stop(); stopErr != nil {
			logger.Error("error stopping discord notifier", zap.Error(stopErr))
		}
	}
	cancel()

	logger.Info("console exited cleanly")
}

// checkWorkerVersion gates startup diagnostics on the worker fleet version.
// An unreachable worker or a mismatched version is logged, not fatal, so the
// console can come up before the workers do.
func checkWorkerVersion(ctx context.Context, client *worker.HTTPClient, constraint string, logger *zap.Logger) {
	verCtx, verCancel := context.WithTimeout(ctx, 5*time.Second)
	defer verCancel()

	version, err := client.Version(verCtx)
	if err != nil {
		logger.Warn("worker version check skipped, worker unreachable", zap.Error(err))
		return
	}
	if err := worker.CheckVersion(version, constraint); err != nil {
		logger.Warn("worker version outside supported range",
			zap.String("version", version),
			zap.Error(err),
		)
		return
	}
	logger.Info("worker version verified", zap.String("version", version))
}
