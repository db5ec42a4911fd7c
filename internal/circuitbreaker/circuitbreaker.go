// Package circuitbreaker centralizes the sony/gobreaker settings shared
// by every adapter that talks to an external system (the database
// connection, each child transport), kept as its own leaf package so
// adapters and the config registry that wires them can both depend on
// it without an import cycle.
package circuitbreaker

import (
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// New creates a circuit breaker with the teacher's standard settings.
// name uniquely identifies the breaker instance in logs.
func New(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[CRITICAL] circuit breaker %s: %s -> %s", name, from, to)
		},
	})
}
