// Package health probes the courier's dependencies and mirrors the result
// onto the overall gRPC serving status.
package health

import (
	"context"
	"fmt"
	"log"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultInterval = 15 * time.Second
	probeTimeout    = 5 * time.Second
)

// Pinger reports storage liveness. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker reports policy engine liveness. The OPA evaluator satisfies it.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Checker periodically probes the database and the policy engine and sets
// the overall serving status ("" service) on the health server. Nil probes
// are skipped, so a courier running without policy enforcement only pings
// the database.
type Checker struct {
	db       Pinger
	policy   PolicyChecker
	hs       *health.Server
	interval time.Duration
}

// NewChecker returns a checker probing every interval. interval <= 0 uses
// the 15s default.
func NewChecker(db Pinger, policy PolicyChecker, hs *health.Server, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Checker{db: db, policy: policy, hs: hs, interval: interval}
}

// Run probes until ctx is canceled. The first probe runs immediately so the
// server does not sit in SERVICE_UNKNOWN waiting for the first tick.
func (c *Checker) Run(ctx context.Context) {
	c.probe(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe(ctx)
		}
	}
}

func (c *Checker) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	st := healthpb.HealthCheckResponse_SERVING
	if err := c.Check(probeCtx); err != nil {
		log.Printf("health: probe failed: %v", err)
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.hs.SetServingStatus("", st)
}

// Check runs one probe round and returns the first failure.
func (c *Checker) Check(ctx context.Context) error {
	if c.db != nil {
		if err := c.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database ping: %w", err)
		}
	}
	if c.policy != nil {
		if err := c.policy.HealthCheck(ctx); err != nil {
			return fmt.Errorf("policy engine: %w", err)
		}
	}
	return nil
}
