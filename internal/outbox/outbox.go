// Package outbox adapts the teacher's internal/adapters/outbox/relay.go
// (PostgreSQL LISTEN/NOTIFY driving RabbitMQ publication) into a
// transport-agnostic publisher: it drains database.Connection via
// DrainPending, handing each row to whatever childtransport.Transport it
// was built with, instead of a single hardcoded RabbitMQ publisher.
package outbox

import (
	"context"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/lightbus-go/txevents/internal/childtransport"
	"github.com/lightbus-go/txevents/internal/database"
	"github.com/lightbus-go/txevents/internal/events"
	"github.com/lightbus-go/txevents/internal/metrics"
)

const (
	listenerMinReconnectInterval = 10 * time.Second
	listenerMaxReconnectInterval = time.Minute
	outboxChannelName            = "lightbus_outbox_channel"

	defaultBatchSize     = 100
	defaultDrainTimeout  = 60 * time.Second
	defaultPollInterval  = 90 * time.Second
	defaultRetryBackoff  = time.Second
	healthStaleThreshold = 5 * time.Minute
)

// Config tunes a Publisher's batch size and fallback polling cadence.
// Zero values fall back to the teacher's own relay constants.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	DrainTimeout time.Duration

	// RetryBackoff is how long Start waits before re-attempting a drain
	// after it fails, per spec.md §4.3 step 2. Defaults to 1s.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	return c
}

// Publisher drains database.Connection's outbox table and republishes
// each row on a childtransport.Transport, woken by PostgreSQL NOTIFY and
// backstopped by a periodic poll, per spec.md §4.3.
type Publisher struct {
	db        database.Connection
	transport childtransport.Transport
	dbURL     string
	cfg       Config

	listener      *pq.Listener
	lastDrained   time.Time
	healthy       bool
}

// NewPublisher wires conn as the outbox source and transport as the
// publish target. dbURL is used only to open the LISTEN/NOTIFY
// connection; conn itself may be backed by a connection pool.
func NewPublisher(conn database.Connection, dbURL string, transport childtransport.Transport, cfg Config) *Publisher {
	return &Publisher{
		db:          conn,
		transport:   transport,
		dbURL:       dbURL,
		cfg:         cfg.withDefaults(),
		lastDrained: time.Now(),
		healthy:     true,
	}
}

// IsHealthy reports simple liveness. It starts true, turns false when the
// LISTEN connection is lost (a nil notification), and turns true again
// after the next notification-triggered drain succeeds. Failed drains do
// not change it, and it does not turn false when Start returns.
func (p *Publisher) IsHealthy() bool {
	return p.healthy
}

// IsReady reports whether the publisher has drained recently enough to
// be considered caught up, for a readiness probe.
func (p *Publisher) IsReady() bool {
	return p.healthy && time.Since(p.lastDrained) < healthStaleThreshold
}

// Start runs the publish loop until ctx is cancelled: an immediate
// catch-up drain, then alternating between NOTIFY-triggered drains and a
// periodic safety-net drain, exactly as the teacher's Relay.Start does
// with its own listener and ticker.
func (p *Publisher) Start(ctx context.Context) error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("lightbus outbox publisher: listener error: %v", err)
		}
	}

	p.listener = pq.NewListener(p.dbURL, listenerMinReconnectInterval, listenerMaxReconnectInterval, reportProblem)
	defer p.listener.Close()

	if err := p.listener.Listen(outboxChannelName); err != nil {
		return err
	}

	log.Printf("lightbus outbox publisher: listening on %q for notifications", outboxChannelName)

	if err := p.drain(ctx); err != nil {
		log.Printf("lightbus outbox publisher: startup catch-up drain failed: %v", err)
		p.waitRetryBackoff(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("lightbus outbox publisher: shutting down")
			return ctx.Err()

		case notification := <-p.listener.Notify:
			if notification == nil {
				log.Println("lightbus outbox publisher: nil notification, reconnecting")
				p.healthy = false
				continue
			}
			if err := p.drain(ctx); err != nil {
				log.Printf("lightbus outbox publisher: drain after notify failed: %v", err)
				p.waitRetryBackoff(ctx)
			} else {
				p.lastDrained = time.Now()
				p.healthy = true
			}

		case <-time.After(p.cfg.PollInterval):
			go p.listener.Ping()
			if err := p.drain(ctx); err != nil {
				log.Printf("lightbus outbox publisher: periodic drain failed: %v", err)
				p.waitRetryBackoff(ctx)
			} else {
				p.lastDrained = time.Now()
			}
		}
	}
}

// waitRetryBackoff pauses for cfg.RetryBackoff before the caller retries a
// failed drain, returning early if ctx is cancelled first.
func (p *Publisher) waitRetryBackoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.RetryBackoff):
	}
}

// drain claims and publishes one batch, looping until a batch comes back
// short of BatchSize so a single notification catches a whole backlog
// rather than one batch at a time.
func (p *Publisher) drain(ctx context.Context) error {
	for {
		drainCtx, cancel := context.WithTimeout(ctx, p.cfg.DrainTimeout)
		n, err := p.db.DrainPending(drainCtx, p.cfg.BatchSize, p.publishOne)
		cancel()

		metrics.OutboxPendingRows.Set(float64(n))
		if err != nil {
			metrics.OutboxPublishTotal.WithLabelValues("error").Inc()
			return err
		}
		if n > 0 {
			metrics.OutboxPublishTotal.WithLabelValues("success").Add(float64(n))
		}
		if n < p.cfg.BatchSize {
			return nil
		}
	}
}

func (p *Publisher) publishOne(ctx context.Context, message events.Message, options events.Options) error {
	start := time.Now()
	err := p.transport.SendEvent(ctx, message, options)
	metrics.OutboxPublishDuration.Observe(time.Since(start).Seconds())
	return err
}
