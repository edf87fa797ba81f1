package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"example.com/fractalgoals/internal/bootstrap"
	"example.com/fractalgoals/internal/config"
	"example.com/fractalgoals/internal/consumer"
	httptransport "example.com/fractalgoals/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// run owns every resource so deferred closes happen before the process exits.
func run() error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer backend.Close()

	service, err := bootstrap.NewService(cfg, backend, log.New(log.Writer(), "[domain] ", log.LstdFlags))
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	handler := consumer.NewSmartHandler(service, nil)

	group, gctx := errgroup.WithContext(ctx)

	metricsSrv := httptransport.NewServer(httptransport.ServerConfig{Address: cfg.MetricsAddress, ReadTimeout: 5 * time.Second}, promhttp.Handler())
	group.Go(func() error {
		return httptransport.Serve(gctx, metricsSrv, 10*time.Second, log.New(log.Writer(), "[metrics] ", log.LstdFlags))
	})

	for _, topic := range cfg.ConsumerTopics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:         cfg.KafkaBrokers,
			GroupID:         cfg.ConsumerGroupID,
			Topic:           topic,
			MinBytes:        1e3,
			MaxBytes:        10e6,
			CommitInterval:  time.Second,
			RetentionTime:   24 * time.Hour,
			ReadLagInterval: -1,
		})
		proc := consumer.NewProcessor(reader, handler)

		group.Go(func() error {
			defer reader.Close()
			log.Printf("consumer started (topic=%s, group=%s)", topic, cfg.ConsumerGroupID)
			if err := proc.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return fmt.Errorf("consumer stopped: %w", err)
	}
	return nil
}
