// seed inserts development sample data for local testing; use with go run ./cmd/seed.
// Idempotent: skips inserts if the demo session (demo-session-001) already exists.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"messenger-courier/internal/config"
	"messenger-courier/internal/db"
	policydomain "messenger-courier/internal/policy/domain"
	policyrepo "messenger-courier/internal/policy/repository"
	sessiondomain "messenger-courier/internal/session/domain"
	sessionrepo "messenger-courier/internal/session/repository"
)

// demoRegoPolicy overrides the built-in inbound policy for the demo session:
// it additionally drops group messages, and keeps the built-in size cap.
const demoRegoPolicy = `package courier.inbound

default allow = true

allow = false if {
	input.message.group
}

allow = false if {
	count(input.message.text) > 65536
}
`

const demoSessionID = "demo-session-001"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	sessions := sessionrepo.NewPostgresRepository(conn)
	policies := policyrepo.NewPostgresRepository(conn)
	ctx := context.Background()

	existing, err := sessions.GetByID(ctx, demoSessionID)
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if existing != nil {
		log.Println("Seed already applied (demo-session-001 exists). Skipping.")
		os.Exit(0)
	}

	now := time.Now().UTC()
	if err := sessions.Create(ctx, &sessiondomain.Session{
		ID:           demoSessionID,
		Status:       sessiondomain.StatusPairingPending,
		CreatedAt:    now,
		LastActiveAt: now,
	}); err != nil {
		log.Fatalf("create demo session: %v", err)
	}

	if err := policies.Upsert(ctx, &policydomain.InboundPolicy{
		SessionID: demoSessionID,
		Module:    demoRegoPolicy,
		UpdatedAt: now,
	}); err != nil {
		log.Fatalf("upsert demo policy: %v", err)
	}

	log.Println("Seed completed successfully.")
	fmt.Printf("Demo session: %s (no credentials yet; opening it starts a fresh pairing)\n", demoSessionID)
}
