package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agora/observability/logging"
	telemetry "agora/observability/otel"
	"agora/services/observatoryd/config"
	"agora/services/observatoryd/recon"
	"agora/services/observatoryd/server"
	"agora/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/observatoryd/config.yaml", "path to observatoryd configuration file")
	flag.Parse()
	if override := strings.TrimSpace(os.Getenv("AGORA_OBSERVATORYD_CONFIG")); override != "" {
		cfgPath = override
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("observatoryd: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("AGORA_ENV"))
	if env == "" {
		env = cfg.Service.Environment
	}
	logger := logging.Setup(cfg.Service.Name, env, logging.Options{
		Level:     cfg.Logging.Level,
		Directory: cfg.Logging.Directory,
	})

	shutdownTelemetry, err := telemetry.Setup(context.Background(), cfg.Service.Name, env)
	if err != nil {
		log.Fatalf("observatoryd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	bank, err := sqlite.OpenReadOnly(cfg.Sources.BankDB)
	if err != nil {
		log.Fatalf("observatoryd: open bank database: %v", err)
	}
	defer bank.Close()
	board, err := sqlite.OpenReadOnly(cfg.Sources.BoardDB)
	if err != nil {
		log.Fatalf("observatoryd: open board database: %v", err)
	}
	defer board.Close()

	exporter, err := recon.NewExporter(recon.Config{
		Bank:          bank,
		OutputDir:     cfg.Reports.OutputDir,
		RetentionDays: cfg.Reports.RetentionDays,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("observatoryd: init exporter: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Exporter: exporter,
		Interval: cfg.Reports.Interval.Duration,
		Logger:   logger,
	})
	go scheduler.Start(rootCtx)

	srv := server.New(server.Config{
		ServiceName: cfg.Service.Name,
		RateLimits:  cfg.RateLimits(),
	}, bank, board, exporter, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddress(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("observatoryd listening", "address", httpSrv.Addr,
			"bank_db", cfg.Sources.BankDB, "board_db", cfg.Sources.BoardDB)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutting down observatoryd")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "error", err)
			os.Exit(1)
		}
	}
}
