package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) LedgerStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) FetchPeriod(ctx context.Context, userID, provider, period string) (Ledger, error) {
	query := `
		SELECT calls, tokens_in, tokens_out, cost_usd
		FROM usage_ledger
		WHERE user_id = $1 AND provider = $2 AND period = $3
	`
	var l Ledger
	err := s.db.QueryRow(ctx, query, userID, provider, period).
		Scan(&l.Calls, &l.TokensIn, &l.TokensOut, &l.CostUSD)
	if errors.Is(err, pgx.ErrNoRows) {
		return Ledger{}, nil
	}
	if err != nil {
		return Ledger{}, fmt.Errorf("failed to fetch ledger: %w", err)
	}
	return l, nil
}

func (s *PostgresStore) FetchUser(ctx context.Context, userID, period string) (map[string]Ledger, error) {
	query := `
		SELECT provider, calls, tokens_in, tokens_out, cost_usd
		FROM usage_ledger
		WHERE user_id = $1 AND period = $2
	`
	rows, err := s.db.Query(ctx, query, userID, period)
	if err != nil {
		return nil, fmt.Errorf("failed to query user ledger: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Ledger)
	for rows.Next() {
		var provider string
		var l Ledger
		if err := rows.Scan(&provider, &l.Calls, &l.TokensIn, &l.TokensOut, &l.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		out[provider] = l
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}
	return out, nil
}

// ResetPeriod removes the period rollup rows. Per-request ledger
// events stay, so a replay of an old event still cannot re-apply.
func (s *PostgresStore) ResetPeriod(ctx context.Context, userID, period string) error {
	query := `DELETE FROM usage_ledger WHERE user_id = $1 AND period = $2`
	if _, err := s.db.Exec(ctx, query, userID, period); err != nil {
		return fmt.Errorf("failed to reset ledger: %w", err)
	}
	return nil
}
