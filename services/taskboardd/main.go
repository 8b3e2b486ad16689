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

	"agora/clients/bank"
	"agora/clients/identity"
	"agora/crypto"
	"agora/crypto/jws"
	"agora/observability/logging"
	telemetry "agora/observability/otel"
	"agora/services/taskboardd/assets"
	"agora/services/taskboardd/config"
	"agora/services/taskboardd/lifecycle"
	"agora/services/taskboardd/server"
	"agora/services/taskboardd/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/taskboardd/config.yaml", "path to taskboardd configuration file")
	flag.Parse()
	if override := strings.TrimSpace(os.Getenv("AGORA_TASKBOARDD_CONFIG")); override != "" {
		cfgPath = override
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("taskboardd: load config: %v", err)
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
		log.Fatalf("taskboardd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("taskboardd: open storage: %v", err)
	}
	defer store.Close()

	files, err := assets.NewStore(cfg.Assets.Directory, cfg.Assets.MaxFileBytes)
	if err != nil {
		log.Fatalf("taskboardd: open asset store: %v", err)
	}

	platformKey, err := crypto.LoadOrCreateKey(cfg.Platform.PrivateKeyPath)
	if err != nil {
		log.Fatalf("taskboardd: load platform key: %v", err)
	}
	platformSigner := jws.Signer{KeyID: cfg.Platform.AgentID, Key: platformKey}

	verifier := identity.New(cfg.Identity.BaseURL, cfg.Identity.Timeout.Duration)
	ledger := bank.New(cfg.CentralBank.BaseURL, cfg.CentralBank.Timeout.Duration, platformSigner)
	engine := lifecycle.New(store, ledger, logger)

	srv := server.New(server.Config{
		ServiceName:      cfg.Service.Name,
		MaxBodyBytes:     cfg.Request.MaxBodyBytes,
		PlatformAgentID:  cfg.Platform.AgentID,
		MaxAssetsPerTask: cfg.Assets.MaxPerTask,
		RateLimits:       cfg.RateLimits(),
	}, store, files, engine, verifier, ledger, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddress(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("taskboardd listening", "address", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutting down taskboardd")
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
