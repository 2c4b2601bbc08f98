package seeder

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/AJaySi/AI-Writer-sub012/internal/auth"
)

const (
	TestAPIKey = "test-api-key-12345"
	TestUserID = "dev-user"
	TestPlan   = "pro"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// schemaStatements is the development schema, applied idempotently.
// Production deployments manage these tables outside the service.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		plan TEXT NOT NULL DEFAULT 'free',
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS request_records (
		id UUID PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		status_code INT NOT NULL,
		duration_ms DOUBLE PRECISION NOT NULL,
		user_id TEXT,
		provider TEXT,
		cache_status TEXT NOT NULL,
		request_size BIGINT NOT NULL DEFAULT 0,
		response_size BIGINT NOT NULL DEFAULT 0,
		tokens_in BIGINT NOT NULL DEFAULT 0,
		tokens_out BIGINT NOT NULL DEFAULT 0,
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_records_ts ON request_records (ts)`,
	`CREATE INDEX IF NOT EXISTS idx_request_records_user ON request_records (user_id)`,
	`CREATE TABLE IF NOT EXISTS ledger_events (
		request_id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		period TEXT NOT NULL,
		calls BIGINT NOT NULL,
		tokens_in BIGINT NOT NULL,
		tokens_out BIGINT NOT NULL,
		cost_usd DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS usage_ledger (
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		period TEXT NOT NULL,
		calls BIGINT NOT NULL DEFAULT 0,
		tokens_in BIGINT NOT NULL DEFAULT 0,
		tokens_out BIGINT NOT NULL DEFAULT 0,
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, provider, period)
	)`,
}

// EnsureSchema creates the development tables if they are missing.
func EnsureSchema(ctx context.Context, db DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// SeedTestAPIKey creates a well-known development key so governed
// endpoints can be exercised without provisioning.
func SeedTestAPIKey(ctx context.Context, store auth.Store) {
	apiKey := &auth.APIKey{
		UserID:  TestUserID,
		KeyHash: auth.HashKey(TestAPIKey),
		Plan:    TestPlan,
		Active:  true,
	}

	err := store.Create(ctx, apiKey)
	if err != nil {
		log.Printf("[Seeder] API key may already exist, skipping: %v", err)
		return
	}
	log.Printf("[Seeder] Test API key created successfully")
	log.Printf("[Seeder] Key: %s", TestAPIKey)
	log.Printf("[Seeder] UserID: %s (plan %s)", TestUserID, TestPlan)
}
