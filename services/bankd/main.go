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

	"agora/clients/identity"
	"agora/observability/logging"
	telemetry "agora/observability/otel"
	"agora/services/bankd/config"
	"agora/services/bankd/server"
	"agora/services/bankd/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/bankd/config.yaml", "path to bankd configuration file")
	flag.Parse()
	if override := strings.TrimSpace(os.Getenv("AGORA_BANKD_CONFIG")); override != "" {
		cfgPath = override
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("bankd: load config: %v", err)
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
		log.Fatalf("bankd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("bankd: open storage: %v", err)
	}
	defer store.Close()

	verifier := identity.New(cfg.Identity.BaseURL, cfg.Identity.Timeout.Duration)

	srv := server.New(server.Config{
		ServiceName:     cfg.Service.Name,
		MaxBodyBytes:    cfg.Request.MaxBodyBytes,
		PlatformAgentID: cfg.Platform.AgentID,
		RateLimits:      cfg.RateLimits(),
	}, store, verifier, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddress(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bankd listening", "address", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutting down bankd")
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
