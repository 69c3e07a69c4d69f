package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position mirrors one on-chain position token. Economic fields are copied
// from the contract when the position is first seen and never change after.
type Position struct {
	TokenID          string          `json:"tokenId"`
	Owner            string          `json:"owner"`
	Collateral       decimal.Decimal `json:"collateral"`
	Leverage         decimal.Decimal `json:"leverage"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	EntryFundingRate decimal.Decimal `json:"entryFundingRate"`
	IsLong           bool            `json:"isLong"`

	IsOpen          bool       `json:"isOpen"`
	BlockNumber     uint64     `json:"blockNumber"`
	TransactionHash string     `json:"transactionHash"`
	LastChecked     time.Time  `json:"lastChecked"`
	IsLiquidatable  bool       `json:"isLiquidatable"`
	CreatedAt       time.Time  `json:"createdAt"`
	ClosedAt        *time.Time `json:"closedAt,omitempty"`
}

// SyncCursor records the last block whose events were fully applied for a
// watched contract.
type SyncCursor struct {
	ContractAddress string    `json:"contractAddress"`
	LastSyncedBlock uint64    `json:"lastSyncedBlock"`
	LastSyncedAt    time.Time `json:"lastSyncedAt"`
}

// LiquidationRecord is an append-only audit entry for a liquidation, whether
// observed on chain or attempted by this keeper.
type LiquidationRecord struct {
	ID              string           `json:"id"`
	TokenID         string           `json:"tokenId"`
	Owner           string           `json:"owner,omitempty"`
	Liquidator      string           `json:"liquidator"`
	TransactionHash string           `json:"transactionHash,omitempty"`
	BlockNumber     uint64           `json:"blockNumber"`
	Timestamp       time.Time        `json:"timestamp"`
	GasUsed         *uint64          `json:"gasUsed,omitempty"`
	PnL             *decimal.Decimal `json:"pnl,omitempty"`
	FundingPayment  *decimal.Decimal `json:"fundingPayment,omitempty"`
	Success         bool             `json:"success"`
	Error           string           `json:"error,omitempty"`
}

// FundingUpdateRecord is an append-only audit entry for a funding-rate
// settlement submitted by this keeper.
type FundingUpdateRecord struct {
	ID              string          `json:"id"`
	BlockNumber     uint64          `json:"blockNumber"`
	Timestamp       time.Time       `json:"timestamp"`
	FundingRate     decimal.Decimal `json:"fundingRate"`
	TransactionHash string          `json:"transactionHash"`
}
