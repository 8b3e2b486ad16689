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

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"agora/clients/bank"
	"agora/clients/identity"
	"agora/clients/reputation"
	"agora/clients/taskboard"
	"agora/crypto"
	"agora/crypto/jws"
	"agora/observability/logging"
	telemetry "agora/observability/otel"
	"agora/services/courtd/config"
	"agora/services/courtd/judges"
	"agora/services/courtd/models"
	"agora/services/courtd/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/courtd/config.yaml", "path to courtd configuration file")
	flag.Parse()
	if override := strings.TrimSpace(os.Getenv("AGORA_COURTD_CONFIG")); override != "" {
		cfgPath = override
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("courtd: load config: %v", err)
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
		log.Fatalf("courtd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := gorm.Open(sqlite.Open(cfg.Database.Path), &gorm.Config{})
	if err != nil {
		log.Fatalf("courtd: open database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("courtd: migrate database: %v", err)
	}

	panel, err := buildPanel(cfg.Judges.Panel)
	if err != nil {
		log.Fatalf("courtd: build panel: %v", err)
	}

	platformKey, err := crypto.LoadOrCreateKey(cfg.Platform.PrivateKeyPath)
	if err != nil {
		log.Fatalf("courtd: load platform key: %v", err)
	}
	platformSigner := jws.Signer{KeyID: cfg.Platform.AgentID, Key: platformKey}

	verifier := identity.New(cfg.Identity.BaseURL, cfg.Identity.Timeout.Duration)
	ledger := bank.New(cfg.CentralBank.BaseURL, cfg.CentralBank.Timeout.Duration, platformSigner)
	board := taskboard.New(cfg.TaskBoard.BaseURL, cfg.TaskBoard.Timeout.Duration, platformSigner)
	recorder := reputation.New(cfg.Reputation.BaseURL, cfg.Reputation.Timeout.Duration, platformSigner)

	srv := server.New(server.Config{
		ServiceName:     cfg.Service.Name,
		MaxBodyBytes:    cfg.Request.MaxBodyBytes,
		PlatformAgentID: cfg.Platform.AgentID,
		RebuttalWindow:  cfg.Disputes.RebuttalWindow.Duration,
		RateLimits:      cfg.RateLimits(),
	}, db, panel, board, ledger, recorder, verifier, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddress(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("courtd listening", "address", httpSrv.Addr, "panel_size", panel.Size())
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutting down courtd")
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

// buildPanel maps the configured judge specs onto evaluators.
func buildPanel(specs []config.JudgeSpec) (judges.Panel, error) {
	members := make([]judges.Judge, 0, len(specs))
	for _, spec := range specs {
		switch spec.Type {
		case "scripted":
			members = append(members, judges.Scripted{
				ID:        spec.ID,
				WorkerPct: spec.WorkerPct,
				Reasoning: spec.Reasoning,
			})
		case "remote":
			members = append(members, judges.NewRemote(spec.ID, spec.URL, spec.Timeout.Duration))
		}
	}
	return judges.NewPanel(members)
}
