package records

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const insertRecordSQL = `
	INSERT INTO request_records (
		id, ts, method, path, status_code, duration_ms,
		user_id, provider, cache_status,
		request_size, response_size, tokens_in, tokens_out, cost_usd
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (id) DO NOTHING
`

// applyLedgerSQL claims the per-request ledger event before touching
// the rollup. A replayed request finds its event already claimed and
// adds nothing, which is what makes journal replay safe.
const applyLedgerSQL = `
	WITH claimed AS (
		INSERT INTO ledger_events (request_id, user_id, provider, period, calls, tokens_in, tokens_out, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING calls, tokens_in, tokens_out, cost_usd
	)
	INSERT INTO usage_ledger (user_id, provider, period, calls, tokens_in, tokens_out, cost_usd)
	SELECT $2, $3, $4, calls, tokens_in, tokens_out, cost_usd FROM claimed
	ON CONFLICT (user_id, provider, period) DO UPDATE SET
		calls      = usage_ledger.calls + EXCLUDED.calls,
		tokens_in  = usage_ledger.tokens_in + EXCLUDED.tokens_in,
		tokens_out = usage_ledger.tokens_out + EXCLUDED.tokens_out,
		cost_usd   = usage_ledger.cost_usd + EXCLUDED.cost_usd,
		updated_at = now()
`

func (s *PostgresStore) Apply(ctx context.Context, job Job) error {
	rec := job.Record
	recordArgs := []any{
		rec.ID, rec.Timestamp, rec.Method, rec.Path, rec.StatusCode, rec.DurationMs,
		nullable(rec.UserID), nullable(rec.Provider), string(rec.CacheStatus),
		rec.RequestSize, rec.ResponseSize, rec.TokensIn, rec.TokensOut, rec.CostUSD,
	}

	if job.Ledger == nil {
		if _, err := s.db.Exec(ctx, insertRecordSQL, recordArgs...); err != nil {
			return fmt.Errorf("failed to insert request record: %w", err)
		}
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, insertRecordSQL, recordArgs...); err != nil {
		return fmt.Errorf("failed to insert request record: %w", err)
	}

	inc := job.Ledger
	_, err = tx.Exec(ctx, applyLedgerSQL,
		inc.RequestID, inc.UserID, inc.Provider, inc.Period,
		inc.Calls, inc.TokensIn, inc.TokensOut, inc.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("failed to apply ledger increment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
