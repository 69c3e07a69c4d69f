package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpkeeper/internal/domain"
)

// CursorStore implements domain.CursorStore using PostgreSQL.
type CursorStore struct {
	pool *pgxpool.Pool
}

// NewCursorStore creates a new CursorStore backed by the given connection pool.
func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// Get returns the cursor for contract.
func (s *CursorStore) Get(ctx context.Context, contract string) (domain.SyncCursor, error) {
	const query = `SELECT contract_address, last_synced_block, last_synced_at
		FROM sync_cursors WHERE contract_address = $1`

	var (
		c     domain.SyncCursor
		block int64
	)
	err := s.pool.QueryRow(ctx, query, contract).Scan(&c.ContractAddress, &block, &c.LastSyncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SyncCursor{}, domain.ErrNotFound
		}
		return domain.SyncCursor{}, fmt.Errorf("postgres: get cursor %s: %w", contract, err)
	}
	c.LastSyncedBlock = uint64(block)
	return c, nil
}

// Advance upserts the cursor; GREATEST keeps the stored block monotonic.
func (s *CursorStore) Advance(ctx context.Context, c domain.SyncCursor) error {
	const query = `
		INSERT INTO sync_cursors (contract_address, last_synced_block, last_synced_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (contract_address) DO UPDATE SET
			last_synced_block = GREATEST(sync_cursors.last_synced_block, EXCLUDED.last_synced_block),
			last_synced_at = EXCLUDED.last_synced_at`

	if _, err := s.pool.Exec(ctx, query, c.ContractAddress, int64(c.LastSyncedBlock), c.LastSyncedAt); err != nil {
		return fmt.Errorf("postgres: advance cursor %s: %w", c.ContractAddress, err)
	}
	return nil
}
