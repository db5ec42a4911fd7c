// Package config defines the statically-typed configuration surface for
// the transactional event transport (spec.md §6), replacing the
// original's exec()-based NamedTuple generation with plain Go structs
// plus one JSON Schema validation pass, in the style the teacher
// reaches for schema validation nowhere itself but the rest of the
// retrieved pack does (flyingrobots' json-payload-studio).
package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/lightbus-go/txevents/internal/childtransport"
	"github.com/lightbus-go/txevents/internal/childtransport/debug"
	"github.com/lightbus-go/txevents/internal/childtransport/rabbitmq"
	"github.com/lightbus-go/txevents/internal/childtransport/redisstream"
)

//go:embed schema.json
var schemaJSON []byte

// ChildTransportConfig selects and parameterizes one childtransport.Transport
// implementation. At most one of RabbitMQ / RedisStream is read, chosen by
// Kind; the debug kind reads neither.
type ChildTransportConfig struct {
	Kind        string              `json:"kind"`
	RabbitMQ    *rabbitmq.Config    `json:"rabbitmq,omitempty"`
	RedisStream *redisstream.Config `json:"redis_stream,omitempty"`
}

// DatabaseConfig configures the publisher's own connection to Postgres.
type DatabaseConfig struct {
	DSN              string `json:"dsn"`
	MigrateOnStartup bool   `json:"migrate_on_startup"`
}

// PublisherConfig tunes the outbox publisher's batch size and cadence.
type PublisherConfig struct {
	BatchSize      int `json:"batch_size"`
	RetryBackoffMs int `json:"retry_backoff_ms"`
	PollIntervalMs int `json:"poll_interval_ms"`
}

// RetryBackoff returns RetryBackoffMs as a time.Duration, defaulting to
// 1s per spec.md §6 when unset.
func (p PublisherConfig) RetryBackoff() time.Duration {
	if p.RetryBackoffMs <= 0 {
		return time.Second
	}
	return time.Duration(p.RetryBackoffMs) * time.Millisecond
}

// PollInterval returns PollIntervalMs as a time.Duration, or zero to let
// the publisher fall back to its own built-in default.
func (p PublisherConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}

// Config is the full configuration surface consumed by cmd/relay and
// cmd/consumer.
type Config struct {
	ChildTransport ChildTransportConfig `json:"child_transport"`
	Database       DatabaseConfig       `json:"database"`
	Publisher      PublisherConfig      `json:"publisher"`
}

// ParseAndValidate validates raw against schema.json, then unmarshals it
// into a Config. Validation failure lists every violation found, in the
// same "collect all errors, then report" shape json-payload-studio uses.
func ParseAndValidate(raw []byte) (*Config, error) {
	schemaLoader := gojsonschema.NewBytesLoader(schemaJSON)
	documentLoader := gojsonschema.NewBytesLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("config: schema validation error: %w", err)
	}
	if !result.Valid() {
		msg := "config: invalid configuration:"
		for _, violation := range result.Errors() {
			msg += "\n  - " + violation.String()
		}
		return nil, fmt.Errorf("%s", msg)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if !hasKey(raw, "migrate_on_startup") {
		cfg.Database.MigrateOnStartup = true
	}
	return &cfg, nil
}

// hasKey is a cheap re-parse used only to distinguish "absent" from
// "explicitly false" for migrate_on_startup, since encoding/json cannot
// tell the two apart on a plain bool field.
func hasKey(raw []byte, key string) bool {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return false
	}
	database, ok := generic["database"]
	if !ok {
		return false
	}
	var databaseFields map[string]json.RawMessage
	if err := json.Unmarshal(database, &databaseFields); err != nil {
		return false
	}
	_, present := databaseFields[key]
	return present
}

// BuildChildTransport dispatches on cfg.Kind to construct the concrete
// childtransport.Transport, the registry-of-factories design named in
// Design Notes §9.
func BuildChildTransport(ctx context.Context, cfg ChildTransportConfig) (childtransport.Transport, error) {
	switch cfg.Kind {
	case "rabbitmq":
		if cfg.RabbitMQ == nil {
			return nil, fmt.Errorf("config: child_transport.kind=rabbitmq requires child_transport.rabbitmq")
		}
		return rabbitmq.New(*cfg.RabbitMQ)
	case "redis_stream":
		if cfg.RedisStream == nil {
			return nil, fmt.Errorf("config: child_transport.kind=redis_stream requires child_transport.redis_stream")
		}
		return redisstream.New(ctx, *cfg.RedisStream)
	case "debug":
		return debug.New(), nil
	default:
		return nil, fmt.Errorf("config: unknown child_transport.kind %q", cfg.Kind)
	}
}

// LoadFromFile reads and validates a config file, the path taken from
// path if non-empty or the LIGHTBUS_CONFIG_PATH environment variable
// otherwise, matching the teacher's own "panic with a clear message on
// a missing required setting" idiom from the original config.Load, made
// recoverable here since a long-running service should log and exit
// cleanly rather than panic.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("LIGHTBUS_CONFIG_PATH")
	}
	if path == "" {
		path = "lightbus.json"
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseAndValidate(raw)
}
