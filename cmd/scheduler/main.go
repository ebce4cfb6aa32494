package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"workflow-automation/internal/config"
	"workflow-automation/internal/models"
	"workflow-automation/internal/queue"
	"workflow-automation/internal/scheduler"
	"workflow-automation/internal/store"
	"workflow-automation/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", "scheduler"))
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

	enqueue := func(ctx context.Context, sc models.Schedule) (string, error) {
		return q.AddJob(ctx, models.QueueWorkflows, models.JobTypeWorkflowStart,
			map[string]any{"workflow_id": sc.WorkflowID, "schedule_id": sc.ID},
			queue.Options{MaxAttempts: cfg.MaxAttempts},
		)
	}

	sched := scheduler.New(st, enqueue, cfg.SchedulerTick, logger)
	if err := sched.Init(ctx); err != nil {
		log.Fatalf("scheduler init: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("scheduler started with tick=%s", cfg.SchedulerTick)
	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("scheduler stopped: %v", err)
	}
}
