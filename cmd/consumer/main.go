// cmd/consumer demonstrates wiring a TransactionalEventTransport end to
// end: fetch a batch from the child transport, consume it with a
// handler that runs inside the claiming transaction and logs each message.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/lightbus-go/txevents/internal/config"
	"github.com/lightbus-go/txevents/internal/database/postgres"
	"github.com/lightbus-go/txevents/internal/events"
	"github.com/lightbus-go/txevents/internal/transactional"
)

func main() {
	log.Println("lightbus consumer: starting...")

	cfg, err := config.LoadFromFile(os.Getenv("LIGHTBUS_CONFIG_PATH"))
	if err != nil {
		log.Fatalf("lightbus consumer: failed to load configuration: %v", err)
	}
	cfg.ApplyEnvOverrides()

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("lightbus consumer: failed to open database: %v", err)
	}
	defer db.Close()

	conn := postgres.NewConnection(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Database.MigrateOnStartup {
		if err := conn.Migrate(ctx); err != nil {
			log.Fatalf("lightbus consumer: migrate: %v", err)
		}
	}

	child, err := config.BuildChildTransport(ctx, cfg.ChildTransport)
	if err != nil {
		log.Fatalf("lightbus consumer: failed to build child transport: %v", err)
	}
	defer child.Close()

	transport := transactional.New(conn, child)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("lightbus consumer: received shutdown signal")
		cancel()
	}()

	var token any
	for {
		select {
		case <-ctx.Done():
			log.Println("lightbus consumer: shutdown complete")
			return
		default:
		}

		messages, next, err := transport.FetchEvents(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Printf("lightbus consumer: fetch error: %v", err)
			continue
		}
		token = next

		if len(messages) == 0 {
			continue
		}

		if err := transport.Consume(ctx, messages, handle); err != nil {
			log.Printf("lightbus consumer: consume error: %v", err)
		}
	}
}

func handle(ctx context.Context, message events.Message) error {
	log.Printf("lightbus consumer: handling %s.%s id=%s kwargs=%v", message.APIName, message.EventName, message.ID, message.GetKwargs())
	return nil
}
