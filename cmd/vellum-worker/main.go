package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vellum/internal/artifact"
	"vellum/internal/config"
	"vellum/internal/process"
	"vellum/internal/store"
	"vellum/internal/worker"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config/config.yaml", "path to config file")
	drain := flag.Bool("drain", false, "keep claiming jobs until the queue is empty")
	flag.Parse()

	cfg := config.Load(*configPath)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, store.Options{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RequeueDelay: time.Duration(cfg.Queue.RequeueDelaySec) * time.Second,
	})
	if err != nil {
		log.Fatalf("open store failed: %v", err)
	}
	defer st.Close()

	proc, err := process.NewCommand(cfg.Processor)
	if err != nil {
		log.Fatalf("processor setup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var artifacts artifact.Store
	switch cfg.Artifacts.Backend {
	case "s3":
		artifacts, err = artifact.NewS3(ctx, cfg.Artifacts.S3)
	case "fs":
		artifacts, err = artifact.NewFS(cfg.Artifacts.FS.Dir)
	default:
		log.Fatalf("invalid artifacts backend: %s (expected s3|fs)", cfg.Artifacts.Backend)
	}
	if err != nil {
		log.Fatalf("artifact store setup failed: %v", err)
	}

	w := worker.New(st, proc, artifacts, logger, worker.Options{
		Lease:              time.Duration(cfg.Queue.LeaseDurationSec) * time.Second,
		ProcessTimeout:     time.Duration(cfg.Worker.ProcessTimeoutMs) * time.Millisecond,
		StoreRetryAttempts: uint64(cfg.Worker.StoreRetryAttempts),
		StoreRetryBase:     time.Duration(cfg.Worker.StoreRetryBaseMs) * time.Millisecond,
	})

	if *drain {
		n, err := w.Drain(ctx)
		if err != nil {
			logger.Error("drain aborted", "claimed", n, "error", err)
			os.Exit(1)
		}
		logger.Info("queue drained", "claimed", n)
		return
	}

	claimed, err := w.RunOnce(ctx)
	if err != nil {
		logger.Error("worker run failed", "error", err)
		os.Exit(1)
	}
	if !claimed {
		logger.Info("no job available, exiting")
	}
}
