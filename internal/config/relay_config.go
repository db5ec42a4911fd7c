package config

import "os"

// ApplyEnvOverrides lets a handful of environment variables override the
// config file for container deployments, the same override-on-top-of-
// file idiom the teacher's own services apply to DB_CONNECTION_STRING
// and friends. Only DSN and the RabbitMQ/Redis connection strings are
// considered safe to override this way; structural settings (batch
// size, schema shape) always come from the file.
func (c *Config) ApplyEnvOverrides() {
	if dsn := os.Getenv("LIGHTBUS_DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if url := os.Getenv("LIGHTBUS_RABBITMQ_URL"); url != "" && c.ChildTransport.RabbitMQ != nil {
		c.ChildTransport.RabbitMQ.URL = url
	}
	if addr := os.Getenv("LIGHTBUS_REDIS_ADDR"); addr != "" && c.ChildTransport.RedisStream != nil {
		c.ChildTransport.RedisStream.Addr = addr
	}
}
