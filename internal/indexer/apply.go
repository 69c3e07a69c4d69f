package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/perpkeeper/internal/chain"
	"github.com/alanyoungcy/perpkeeper/internal/domain"
)

// storeError marks a persistence failure. It aborts the chunk so the range
// is retried rather than skipped.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// apply is idempotent for every event type: opens insert if absent, closes
// set isOpen=false unconditionally, liquidation records are keyed by
// (token, tx). Callers hold applyMu.
func (ix *Indexer) apply(ctx context.Context, ev chain.Event) error {
	if ev.Removed {
		return nil
	}
	if ev.TokenID == nil {
		return errors.New("event without token id")
	}

	var err error
	switch ev.Type {
	case chain.EventPositionOpened:
		err = ix.applyOpened(ctx, ev)
	case chain.EventPositionClosed:
		err = ix.closePosition(ctx, ev)
	case chain.EventPositionLiquidated:
		err = ix.applyLiquidated(ctx, ev)
	case chain.EventTransfer:
		err = ix.applyTransfer(ctx, ev)
	default:
		return fmt.Errorf("unsupported event %s", ev.Type)
	}
	if err == nil {
		ix.metrics.EventApplied(ev.Type.String())
	}
	return err
}

func (ix *Indexer) applyOpened(ctx context.Context, ev chain.Event) error {
	p, err := ix.chain.GetPosition(ctx, ev.TokenID)
	if err != nil {
		ix.logger.Debug("position detail unavailable, using event args",
			slog.String("token_id", ev.TokenID.String()),
			slog.String("error", err.Error()),
		)
		p = domain.Position{
			TokenID:    ev.TokenID.String(),
			Owner:      ev.Owner.Hex(),
			Collateral: ev.Collateral,
			Leverage:   ev.Leverage,
			EntryPrice: ev.EntryPrice,
			IsLong:     ev.IsLong,
		}
	}
	return ix.insertOpen(ctx, p, ev)
}

func (ix *Indexer) applyTransfer(ctx context.Context, ev chain.Event) error {
	zero := common.Address{}
	switch {
	case ev.From == zero && ev.To == zero:
		return nil
	case ev.From == zero:
		p, err := ix.chain.GetPosition(ctx, ev.TokenID)
		if err != nil {
			return fmt.Errorf("mint %s: position detail: %w", ev.TokenID, err)
		}
		p.Owner = ev.To.Hex()
		return ix.insertOpen(ctx, p, ev)
	case ev.To == zero:
		return ix.closePosition(ctx, ev)
	default:
		// Ownership moves do not change position economics.
		return nil
	}
}

func (ix *Indexer) insertOpen(ctx context.Context, p domain.Position, ev chain.Event) error {
	p.IsOpen = true
	p.IsLiquidatable = false
	p.LastChecked = time.Time{}
	p.ClosedAt = nil
	p.BlockNumber = ev.BlockNumber
	p.TransactionHash = ev.TxHash.Hex()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = ix.now()
	}

	created, err := ix.positions.InsertIfAbsent(ctx, p)
	if err != nil {
		return &storeError{fmt.Errorf("insert position %s: %w", p.TokenID, err)}
	}
	if created {
		ix.logger.Info("position opened",
			slog.String("token_id", p.TokenID),
			slog.String("owner", p.Owner),
			slog.Uint64("block", ev.BlockNumber),
		)
	}
	return nil
}

func (ix *Indexer) applyLiquidated(ctx context.Context, ev chain.Event) error {
	ts, err := ix.chain.BlockTime(ctx, ev.BlockNumber)
	if err != nil {
		ts = ix.now()
	}
	pnl, funding := ev.PnL, ev.FundingPayment
	rec := domain.LiquidationRecord{
		TokenID:         ev.TokenID.String(),
		Owner:           ev.Owner.Hex(),
		Liquidator:      ev.Liquidator.Hex(),
		TransactionHash: ev.TxHash.Hex(),
		BlockNumber:     ev.BlockNumber,
		Timestamp:       ts,
		PnL:             &pnl,
		FundingPayment:  &funding,
		Success:         true,
	}
	if err := ix.liquidations.Insert(ctx, rec); err != nil {
		return &storeError{fmt.Errorf("insert liquidation record %s: %w", rec.TokenID, err)}
	}
	return ix.closePosition(ctx, ev)
}

// closePosition marks the token closed. An unknown token is repaired from
// the contract's detail and inserted already closed.
func (ix *Indexer) closePosition(ctx context.Context, ev chain.Event) error {
	tokenID := ev.TokenID.String()
	closedAt := ix.now()

	err := ix.positions.MarkClosed(ctx, tokenID, closedAt)
	if err == nil {
		ix.logger.Info("position closed",
			slog.String("token_id", tokenID),
			slog.String("event", ev.Type.String()),
			slog.Uint64("block", ev.BlockNumber),
		)
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return &storeError{fmt.Errorf("close position %s: %w", tokenID, err)}
	}

	p, derr := ix.chain.GetPosition(ctx, ev.TokenID)
	if derr != nil {
		ix.logger.Warn("close for unknown position without contract detail",
			slog.String("token_id", tokenID),
			slog.String("error", derr.Error()),
		)
		p = domain.Position{TokenID: tokenID, Owner: ev.Owner.Hex()}
	}
	p.IsOpen = false
	p.IsLiquidatable = false
	p.BlockNumber = ev.BlockNumber
	p.TransactionHash = ev.TxHash.Hex()
	p.ClosedAt = &closedAt
	if p.CreatedAt.IsZero() {
		p.CreatedAt = closedAt
	}
	if _, err := ix.positions.InsertIfAbsent(ctx, p); err != nil {
		return &storeError{fmt.Errorf("repair position %s: %w", tokenID, err)}
	}
	// A concurrent open may have won the insert.
	if err := ix.positions.MarkClosed(ctx, tokenID, closedAt); err != nil {
		return &storeError{fmt.Errorf("close repaired position %s: %w", tokenID, err)}
	}
	ix.logger.Info("position repaired as closed",
		slog.String("token_id", tokenID),
		slog.Uint64("block", ev.BlockNumber),
	)
	return nil
}
