package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"workflow-automation/internal/config"
	"workflow-automation/internal/engine"
	"workflow-automation/internal/queue"
	"workflow-automation/internal/steps"
	"workflow-automation/internal/store"
	"workflow-automation/internal/telemetry"
	workerproc "workflow-automation/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", "worker"))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.New(cfg, st)

	registry := steps.NewRegistry()
	var uploader steps.Uploader
	if cfg.ArchiveS3Bucket != "" {
		s3up, err := steps.NewS3Uploader(ctx, cfg)
		if err != nil {
			log.Fatalf("init s3 uploader: %v", err)
		}
		uploader = s3up
	}
	steps.RegisterBuiltins(registry, cfg, uploader)

	eng := engine.New(st, registry, engine.Options{
		LockStaleAfter: cfg.LockStaleAfter,
		BaseDelay:      cfg.StepBaseDelay,
		MaxDelay:       cfg.StepMaxDelay,
	}, logger)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessor(cfg, q, st, eng, workerID, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started with visibility=%s backoff_initial=%s", workerID, cfg.VisibilityTimeout, cfg.BackoffInitial)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
