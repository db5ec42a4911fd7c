package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lightbus-go/txevents/internal/config"
	"github.com/lightbus-go/txevents/internal/database/postgres"
	"github.com/lightbus-go/txevents/internal/outbox"
)

func main() {
	log.Println("lightbus relay: starting outbox publisher...")

	cfg, err := config.LoadFromFile(os.Getenv("LIGHTBUS_CONFIG_PATH"))
	if err != nil {
		log.Fatalf("lightbus relay: failed to load configuration: %v", err)
	}
	cfg.ApplyEnvOverrides()

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("lightbus relay: failed to open database: %v", err)
	}
	defer db.Close()

	conn := postgres.NewConnection(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Database.MigrateOnStartup {
		if err := conn.Migrate(ctx); err != nil {
			log.Fatalf("lightbus relay: migrate: %v", err)
		}
	}

	child, err := config.BuildChildTransport(ctx, cfg.ChildTransport)
	if err != nil {
		log.Fatalf("lightbus relay: failed to build child transport: %v", err)
	}
	defer child.Close()

	publisher := outbox.NewPublisher(conn, cfg.Database.DSN, child, outbox.Config{
		BatchSize:    cfg.Publisher.BatchSize,
		PollInterval: cfg.Publisher.PollInterval(),
		RetryBackoff: cfg.Publisher.RetryBackoff(),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "UP"
		httpStatus := http.StatusOK
		if !publisher.IsHealthy() {
			status = "DOWN"
			httpStatus = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status, "component": "outbox-publisher"})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !publisher.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: ":8090", Handler: mux}

	go func() {
		log.Println("lightbus relay: health/metrics server listening on :8090")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("lightbus relay: health server error: %v", err)
		}
	}()

	errChan := make(chan error, 1)
	go func() {
		log.Println("lightbus relay: starting outbox publish loop...")
		if err := publisher.Start(ctx); err != nil && err != context.Canceled {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("lightbus relay: received signal %v, shutting down", sig)
		cancel()
	case err := <-errChan:
		log.Printf("lightbus relay: fatal publisher error, shutting down: %v", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("lightbus relay: error shutting down health server: %v", err)
	}

	log.Println("lightbus relay: shutdown complete")
}
