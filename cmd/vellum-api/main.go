package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"vellum/internal/config"
	server "vellum/internal/http"
	"vellum/internal/migrate"
	"vellum/internal/scale"
	"vellum/internal/store"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|controller|all")
	flag.Parse()

	cfg := config.Load(*configPath)

	// Run migrations on a short-lived connection; the sqlite backend
	// bootstraps its own schema on open.
	if cfg.Database.Driver == "postgres" {
		if err := migrate.Run(cfg.Database.DSN); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
	}

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, store.Options{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RequeueDelay: time.Duration(cfg.Queue.RequeueDelaySec) * time.Second,
	})
	if err != nil {
		log.Fatalf("open store failed: %v", err)
	}
	defer st.Close()

	// Set up logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	rootCtx := context.Background()

	startController := func() {
		var scaler scale.Scaler
		switch cfg.Scaler.Mode {
		case "local":
			if cfg.Scaler.WorkerCommand == "" {
				log.Fatalf("scaler.workerCommand is required in local mode")
			}
			scaler = scale.NewLocal(cfg.Scaler.WorkerCommand, cfg.Scaler.WorkerArgs, logger)
		case "log":
			scaler = scale.NewIntent(logger)
		default:
			log.Fatalf("invalid scaler mode: %s (expected local|log)", cfg.Scaler.Mode)
		}

		ctrl := scale.NewController(st, scaler, logger, scale.Options{
			PollInterval:  time.Duration(cfg.Scaler.PollIntervalMs) * time.Millisecond,
			JobsPerWorker: cfg.Scaler.JobsPerWorker,
			MaxWorkers:    cfg.Scaler.MaxWorkers,
		})
		go ctrl.Start(rootCtx)
	}

	switch *role {
	case "api":
		// API-only: do not start the scale controller.
		s := server.NewServer(cfg, st, logger)
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	case "controller":
		// Controller-only: run the scale loop and block.
		if !cfg.Scaler.Enabled {
			log.Fatalf("scaler is disabled in config but role is controller")
		}
		startController()
		select {}
	case "all":
		// Default: run both API and controller in one process.
		if cfg.Scaler.Enabled {
			startController()
		}
		s := server.NewServer(cfg, st, logger)
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	default:
		log.Fatalf("invalid role: %s (expected api|controller|all)", *role)
	}
}
