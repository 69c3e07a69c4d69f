package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpkeeper/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Numeric columns are read as text so decimal.Decimal keeps full precision.
const positionSelectCols = `token_id::text, owner, collateral::text, leverage::text,
	entry_price::text, entry_funding_rate::text, is_long, is_open,
	block_number, transaction_hash, last_checked, is_liquidatable,
	created_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                                    domain.Position
		collateral, leverage, price, funding string
		block                                int64
		lastChecked                          *time.Time
	)
	if err := row.Scan(
		&p.TokenID, &p.Owner, &collateral, &leverage,
		&price, &funding, &p.IsLong, &p.IsOpen,
		&block, &p.TransactionHash, &lastChecked, &p.IsLiquidatable,
		&p.CreatedAt, &p.ClosedAt,
	); err != nil {
		return domain.Position{}, err
	}

	var err error
	if p.Collateral, err = decimal.NewFromString(collateral); err != nil {
		return domain.Position{}, fmt.Errorf("collateral: %w", err)
	}
	if p.Leverage, err = decimal.NewFromString(leverage); err != nil {
		return domain.Position{}, fmt.Errorf("leverage: %w", err)
	}
	if p.EntryPrice, err = decimal.NewFromString(price); err != nil {
		return domain.Position{}, fmt.Errorf("entry_price: %w", err)
	}
	if p.EntryFundingRate, err = decimal.NewFromString(funding); err != nil {
		return domain.Position{}, fmt.Errorf("entry_funding_rate: %w", err)
	}
	p.BlockNumber = uint64(block)
	if lastChecked != nil {
		p.LastChecked = *lastChecked
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertIfAbsent stores p unless its token id already exists.
func (s *PositionStore) InsertIfAbsent(ctx context.Context, p domain.Position) (bool, error) {
	const query = `
		INSERT INTO positions (
			token_id, owner, collateral, leverage, entry_price, entry_funding_rate,
			is_long, is_open, block_number, transaction_hash, is_liquidatable,
			created_at, closed_at
		) VALUES (
			$1::numeric, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric,
			$7, $8, $9, $10, FALSE,
			COALESCE($11, NOW()), $12
		)
		ON CONFLICT (token_id) DO NOTHING`

	var createdAt *time.Time
	if !p.CreatedAt.IsZero() {
		createdAt = &p.CreatedAt
	}
	tag, err := s.pool.Exec(ctx, query,
		p.TokenID, p.Owner,
		p.Collateral.String(), p.Leverage.String(), p.EntryPrice.String(), p.EntryFundingRate.String(),
		p.IsLong, p.IsOpen, int64(p.BlockNumber), p.TransactionHash,
		createdAt, p.ClosedAt,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert position %s: %w", p.TokenID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkClosed sets is_open=false. Closing an already-closed position keeps
// the original closed_at.
func (s *PositionStore) MarkClosed(ctx context.Context, tokenID string, at time.Time) error {
	const query = `
		UPDATE positions SET
			is_open = FALSE,
			is_liquidatable = FALSE,
			closed_at = COALESCE(closed_at, $2),
			updated_at = NOW()
		WHERE token_id = $1::numeric`

	tag, err := s.pool.Exec(ctx, query, tokenID, at)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", tokenID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: close position %s: %w", tokenID, domain.ErrNotFound)
	}
	return nil
}

// UpdateCheck writes the cached liquidation verdict. Closed positions are
// left untouched.
func (s *PositionStore) UpdateCheck(ctx context.Context, tokenID string, liquidatable bool, checkedAt time.Time) error {
	const query = `
		UPDATE positions SET
			is_liquidatable = $2,
			last_checked = $3,
			updated_at = NOW()
		WHERE token_id = $1::numeric AND is_open`

	if _, err := s.pool.Exec(ctx, query, tokenID, liquidatable, checkedAt); err != nil {
		return fmt.Errorf("postgres: update check %s: %w", tokenID, err)
	}
	return nil
}

// Get returns a single position.
func (s *PositionStore) Get(ctx context.Context, tokenID string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE token_id = $1::numeric`
	p, err := scanPosition(s.pool.QueryRow(ctx, query, tokenID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: position %s: %w", tokenID, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", tokenID, err)
	}
	return p, nil
}

// ListStale returns open positions never checked or checked before cutoff.
func (s *PositionStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE is_open AND (last_checked IS NULL OR last_checked < $1)
		ORDER BY last_checked ASC NULLS FIRST, token_id ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale positions: %w", err)
	}
	out, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan stale positions: %w", err)
	}
	return out, nil
}

// ListLiquidatable returns open positions flagged liquidatable.
func (s *PositionStore) ListLiquidatable(ctx context.Context, limit int) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE is_open AND is_liquidatable
		ORDER BY last_checked ASC NULLS FIRST, token_id ASC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list liquidatable positions: %w", err)
	}
	out, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan liquidatable positions: %w", err)
	}
	return out, nil
}

// CountOpen returns the number of open positions.
func (s *PositionStore) CountOpen(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM positions WHERE is_open`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count open positions: %w", err)
	}
	return n, nil
}
