package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"example.com/fractalgoals/internal/config"
	"example.com/fractalgoals/internal/outbox"
	httptransport "example.com/fractalgoals/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	logger := log.New(log.Writer(), "[dlq] ", log.LstdFlags)
	manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay, outbox.WithDLQLogger(logger))

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))))
	if _, err := scheduler.AddFunc("@every "+cfg.DLQPollInterval.String(), func() {
		result, err := manager.RunOnce(ctx, cfg.DLQBatchSize)
		if err != nil {
			logger.Printf("dlq manager error: %v", err)
		}
		if result.Requeued+result.Rescheduled+result.Quarantined > 0 {
			logger.Printf("requeued=%d rescheduled=%d quarantined=%d backlog=%d",
				result.Requeued, result.Rescheduled, result.Quarantined, result.Backlog)
		}
	}); err != nil {
		return fmt.Errorf("invalid DLQ_POLL_INTERVAL %s: %w", cfg.DLQPollInterval, err)
	}
	scheduler.Start()
	logger.Printf("started (interval=%s, maxRetries=%d)", cfg.DLQPollInterval, cfg.DLQMaxRetries)

	metricsSrv := httptransport.NewServer(httptransport.ServerConfig{Address: cfg.MetricsAddress, ReadTimeout: 5 * time.Second}, promhttp.Handler())
	if err := httptransport.Serve(ctx, metricsSrv, 10*time.Second, log.New(log.Writer(), "[metrics] ", log.LstdFlags)); err != nil {
		logger.Printf("metrics server error: %v", err)
		<-ctx.Done()
	}

	<-scheduler.Stop().Done()
	return nil
}
