package domain

import (
	"context"
	"time"
)

// PositionStore persists the position mirror. Writes are keyed by token id;
// no operation spans more than one position.
type PositionStore interface {
	// InsertIfAbsent stores p unless a position with the same token id already
	// exists. It reports whether a new row was created.
	InsertIfAbsent(ctx context.Context, p Position) (bool, error)
	// MarkClosed sets isOpen=false and clears the liquidatable flag. Repeating
	// it is a no-op. Returns ErrNotFound when the token is unknown.
	MarkClosed(ctx context.Context, tokenID string, at time.Time) error
	// UpdateCheck writes the cached liquidation verdict for an open position.
	UpdateCheck(ctx context.Context, tokenID string, liquidatable bool, checkedAt time.Time) error
	Get(ctx context.Context, tokenID string) (Position, error)
	// ListStale returns open positions last checked before cutoff, oldest
	// first.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Position, error)
	// ListLiquidatable returns open positions flagged liquidatable, oldest
	// check first.
	ListLiquidatable(ctx context.Context, limit int) ([]Position, error)
	CountOpen(ctx context.Context) (int64, error)
}

// CursorStore persists one SyncCursor per watched contract.
type CursorStore interface {
	// Get returns ErrNotFound when no cursor exists yet.
	Get(ctx context.Context, contract string) (SyncCursor, error)
	// Advance stores the cursor. The stored block never moves backwards.
	Advance(ctx context.Context, c SyncCursor) error
}

// LiquidationStore persists the liquidation audit ledger.
type LiquidationStore interface {
	// Insert appends r. A record whose (token id, transaction hash) pair is
	// already present is silently ignored.
	Insert(ctx context.Context, r LiquidationRecord) error
	ListByToken(ctx context.Context, tokenID string) ([]LiquidationRecord, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]LiquidationRecord, error)
}

// FundingStore persists the funding-update audit ledger.
type FundingStore interface {
	Insert(ctx context.Context, r FundingUpdateRecord) error
	// Latest returns ErrNotFound when no update has been recorded.
	Latest(ctx context.Context) (FundingUpdateRecord, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]FundingUpdateRecord, error)
}
