package collab

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgLocalStore implements LocalStore by reading this node's own authoritative
// write-clock per wallet from the clock-record database via a raw-SQL
// pgxpool query.
type PgLocalStore struct {
	pool *pgxpool.Pool
}

// NewPgLocalStore wraps an existing pgxpool.Pool.
func NewPgLocalStore(pool *pgxpool.Pool) *PgLocalStore {
	return &PgLocalStore{pool: pool}
}

// ClockFor returns the current write-clock for a single wallet.
func (s *PgLocalStore) ClockFor(ctx context.Context, wallet string) (int64, error) {
	const query = `SELECT COALESCE(MAX(clock), 0) FROM clock_values WHERE wallet = $1`

	var clock int64
	if err := s.pool.QueryRow(ctx, query, wallet).Scan(&clock); err != nil {
		return 0, fmt.Errorf("query clock for wallet %s: %w", wallet, err)
	}
	return clock, nil
}

// ClocksFor returns the current write-clock for each of wallets in one
// round trip.
func (s *PgLocalStore) ClocksFor(ctx context.Context, wallets []string) (map[string]int64, error) {
	const query = `SELECT wallet, COALESCE(MAX(clock), 0) FROM clock_values WHERE wallet = ANY($1) GROUP BY wallet`

	rows, err := s.pool.Query(ctx, query, wallets)
	if err != nil {
		return nil, fmt.Errorf("query clocks for %d wallets: %w", len(wallets), err)
	}
	defer rows.Close()

	out := make(map[string]int64, len(wallets))
	for rows.Next() {
		var wallet string
		var clock int64
		if err := rows.Scan(&wallet, &clock); err != nil {
			return nil, fmt.Errorf("scan clock row: %w", err)
		}
		out[wallet] = clock
	}
	return out, rows.Err()
}
