package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/fractalgoals/internal/api"
	"example.com/fractalgoals/internal/auth"
	"example.com/fractalgoals/internal/bootstrap"
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

	backend, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer backend.Close()

	service, err := bootstrap.NewService(cfg, backend, log.New(log.Writer(), "[domain] ", log.LstdFlags))
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}

	var dispatcher *outbox.Dispatcher
	if backend.Pool != nil {
		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		defer producer.Close()

		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher = outbox.NewDispatcher(backend.Pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		go dispatcher.Start(ctx)
	} else {
		log.Printf("store driver %s has no outbox, events stay local", cfg.StoreDriver)
	}

	mux := http.NewServeMux()
	api.NewHandler(service).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, auth.PublicPaths)
	httpLogger := log.New(log.Writer(), "[http] ", log.LstdFlags)

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.HTTPTimeout,
		IdleTimeout:  60 * time.Second,
	}, httptransport.RequestLogger(httpLogger)(httptransport.CORS("http://localhost:5173")(authMiddleware.Wrap(mux))))

	serveErr := httptransport.Serve(ctx, server, 15*time.Second, httpLogger)
	stop()

	if dispatcher != nil {
		dispatcher.Wait()
	}
	if serveErr != nil {
		return fmt.Errorf("server: %w", serveErr)
	}
	return nil
}
