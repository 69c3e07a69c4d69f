package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpkeeper/internal/domain"
)

// LiquidationStore implements domain.LiquidationStore using PostgreSQL.
type LiquidationStore struct {
	pool *pgxpool.Pool
}

// NewLiquidationStore creates a new LiquidationStore backed by the given connection pool.
func NewLiquidationStore(pool *pgxpool.Pool) *LiquidationStore {
	return &LiquidationStore{pool: pool}
}

const liquidationSelectCols = `id::text, token_id::text, owner, liquidator,
	transaction_hash, block_number, recorded_at, gas_used,
	pnl::text, funding_payment::text, success, error`

// Insert appends r. Duplicates of (token_id, transaction_hash) are ignored.
func (s *LiquidationStore) Insert(ctx context.Context, r domain.LiquidationRecord) error {
	const query = `
		INSERT INTO liquidation_records (
			id, token_id, owner, liquidator, transaction_hash, block_number,
			recorded_at, gas_used, pnl, funding_payment, success, error
		) VALUES (
			$1, $2::numeric, $3, $4, $5, $6,
			$7, $8, $9::numeric, $10::numeric, $11, $12
		)
		ON CONFLICT DO NOTHING`

	id, err := recordID(r.ID)
	if err != nil {
		return fmt.Errorf("postgres: liquidation record id: %w", err)
	}
	var gas *int64
	if r.GasUsed != nil {
		g := int64(*r.GasUsed)
		gas = &g
	}
	_, err = s.pool.Exec(ctx, query,
		id, r.TokenID, r.Owner, r.Liquidator, r.TransactionHash, int64(r.BlockNumber),
		r.Timestamp, gas, decimalArg(r.PnL), decimalArg(r.FundingPayment), r.Success, r.Error,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert liquidation record %s: %w", r.TokenID, err)
	}
	return nil
}

// ListByToken returns every record for tokenID, oldest first.
func (s *LiquidationStore) ListByToken(ctx context.Context, tokenID string) ([]domain.LiquidationRecord, error) {
	query := `SELECT ` + liquidationSelectCols + ` FROM liquidation_records
		WHERE token_id = $1::numeric ORDER BY recorded_at ASC`
	return s.query(ctx, query, tokenID)
}

// ListBetween returns records with from <= recorded_at < to, oldest first.
func (s *LiquidationStore) ListBetween(ctx context.Context, from, to time.Time) ([]domain.LiquidationRecord, error) {
	query := `SELECT ` + liquidationSelectCols + ` FROM liquidation_records
		WHERE recorded_at >= $1 AND recorded_at < $2 ORDER BY recorded_at ASC`
	return s.query(ctx, query, from, to)
}

func (s *LiquidationStore) query(ctx context.Context, query string, args ...any) ([]domain.LiquidationRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query liquidation records: %w", err)
	}
	defer rows.Close()

	var out []domain.LiquidationRecord
	for rows.Next() {
		var (
			r            domain.LiquidationRecord
			block        int64
			gas          *int64
			pnl, funding *string
		)
		if err := rows.Scan(
			&r.ID, &r.TokenID, &r.Owner, &r.Liquidator,
			&r.TransactionHash, &block, &r.Timestamp, &gas,
			&pnl, &funding, &r.Success, &r.Error,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan liquidation record: %w", err)
		}
		r.BlockNumber = uint64(block)
		if gas != nil {
			g := uint64(*gas)
			r.GasUsed = &g
		}
		if r.PnL, err = parseDecimalPtr(pnl); err != nil {
			return nil, fmt.Errorf("postgres: liquidation pnl: %w", err)
		}
		if r.FundingPayment, err = parseDecimalPtr(funding); err != nil {
			return nil, fmt.Errorf("postgres: liquidation funding payment: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FundingStore implements domain.FundingStore using PostgreSQL.
type FundingStore struct {
	pool *pgxpool.Pool
}

// NewFundingStore creates a new FundingStore backed by the given connection pool.
func NewFundingStore(pool *pgxpool.Pool) *FundingStore {
	return &FundingStore{pool: pool}
}

const fundingSelectCols = `id::text, block_number, recorded_at, funding_rate::text, transaction_hash`

// Insert appends r. A repeated transaction hash is ignored.
func (s *FundingStore) Insert(ctx context.Context, r domain.FundingUpdateRecord) error {
	const query = `
		INSERT INTO funding_updates (id, block_number, recorded_at, funding_rate, transaction_hash)
		VALUES ($1, $2, $3, $4::numeric, $5)
		ON CONFLICT (transaction_hash) DO NOTHING`

	id, err := recordID(r.ID)
	if err != nil {
		return fmt.Errorf("postgres: funding record id: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query,
		id, int64(r.BlockNumber), r.Timestamp, r.FundingRate.String(), r.TransactionHash,
	); err != nil {
		return fmt.Errorf("postgres: insert funding update: %w", err)
	}
	return nil
}

// Latest returns the most recent funding update.
func (s *FundingStore) Latest(ctx context.Context) (domain.FundingUpdateRecord, error) {
	query := `SELECT ` + fundingSelectCols + ` FROM funding_updates ORDER BY recorded_at DESC LIMIT 1`
	r, err := scanFunding(s.pool.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FundingUpdateRecord{}, domain.ErrNotFound
		}
		return domain.FundingUpdateRecord{}, fmt.Errorf("postgres: latest funding update: %w", err)
	}
	return r, nil
}

// ListBetween returns updates with from <= recorded_at < to, oldest first.
func (s *FundingStore) ListBetween(ctx context.Context, from, to time.Time) ([]domain.FundingUpdateRecord, error) {
	query := `SELECT ` + fundingSelectCols + ` FROM funding_updates
		WHERE recorded_at >= $1 AND recorded_at < $2 ORDER BY recorded_at ASC`

	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list funding updates: %w", err)
	}
	defer rows.Close()

	var out []domain.FundingUpdateRecord
	for rows.Next() {
		r, err := scanFunding(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan funding update: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanFunding(row pgx.Row) (domain.FundingUpdateRecord, error) {
	var (
		r     domain.FundingUpdateRecord
		block int64
		rate  string
	)
	if err := row.Scan(&r.ID, &block, &r.Timestamp, &rate, &r.TransactionHash); err != nil {
		return domain.FundingUpdateRecord{}, err
	}
	r.BlockNumber = uint64(block)
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return domain.FundingUpdateRecord{}, fmt.Errorf("funding_rate: %w", err)
	}
	r.FundingRate = d
	return r, nil
}

func recordID(id string) (uuid.UUID, error) {
	if id == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(id)
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
