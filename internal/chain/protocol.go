package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpkeeper/internal/domain"
)

// Addresses holds the protocol contract addresses. PositionNFT and
// PriceOracle may be zero when the keeper does not need them.
type Addresses struct {
	PositionManager common.Address
	PositionNFT     common.Address
	PriceOracle     common.Address
}

// Source is one watched contract and the event types indexed from it.
type Source struct {
	Name    string
	Address common.Address
	Events  []EventType
}

// Protocol exposes typed reads and writes against the perpetual protocol
// contracts on top of a Client.
type Protocol struct {
	*Codec
	client        *Client
	addrs         Addresses
	confirmations uint64
	logger        *slog.Logger
}

// NewProtocol builds a Protocol. confirmations is the receipt depth waited for
// after submitting a transaction.
func NewProtocol(client *Client, addrs Addresses, scales Scales, confirmations uint64, logger *slog.Logger) (*Protocol, error) {
	codec, err := NewCodec(addrs.PositionManager, addrs.PositionNFT, scales)
	if err != nil {
		return nil, err
	}
	return &Protocol{
		Codec:         codec,
		client:        client,
		addrs:         addrs,
		confirmations: confirmations,
		logger:        logger.With(slog.String("component", "protocol")),
	}, nil
}

// Sources lists the contracts the indexer watches, position manager first.
func (p *Protocol) Sources() []Source {
	out := []Source{{
		Name:    "position_manager",
		Address: p.addrs.PositionManager,
		Events:  []EventType{EventPositionOpened, EventPositionClosed, EventPositionLiquidated},
	}}
	if p.addrs.PositionNFT != (common.Address{}) {
		out = append(out, Source{
			Name:    "position_nft",
			Address: p.addrs.PositionNFT,
			Events:  []EventType{EventTransfer},
		})
	}
	return out
}

// BlockNumber returns the chain head.
func (p *Protocol) BlockNumber(ctx context.Context) (uint64, error) {
	return p.client.BlockNumber(ctx)
}

// MaxBlockRange is the provider's inclusive log-query span limit.
func (p *Protocol) MaxBlockRange() uint64 { return p.client.MaxBlockRange() }

// Keeper returns the address submitting transactions.
func (p *Protocol) Keeper() common.Address { return p.client.From() }

// Events fetches and decodes logs of type t emitted by contract in
// [from, to]. Undecodable logs are logged and skipped.
func (p *Protocol) Events(ctx context.Context, contract common.Address, t EventType, from, to uint64) ([]Event, error) {
	logs, err := p.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{p.Topic(t)}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(logs))
	for _, l := range logs {
		ev, err := p.DecodeLog(l)
		if err != nil {
			p.logger.Warn("skipping undecodable log",
				slog.String("event", t.String()),
				slog.String("tx", l.TxHash.Hex()),
				slog.Uint64("block", l.BlockNumber),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// CanSubscribe reports whether push delivery is available.
func (p *Protocol) CanSubscribe() bool { return p.client.CanSubscribe() }

// Subscribe streams raw logs for every watched source and event type into
// sink. Decode them with DecodeLog.
func (p *Protocol) Subscribe(ctx context.Context, sink chan<- types.Log) (ethereum.Subscription, error) {
	var (
		addrs  []common.Address
		topics []common.Hash
	)
	for _, s := range p.Sources() {
		addrs = append(addrs, s.Address)
		for _, t := range s.Events {
			topics = append(topics, p.Topic(t))
		}
	}
	return p.client.SubscribeLogs(ctx, ethereum.FilterQuery{
		Addresses: addrs,
		Topics:    [][]common.Hash{topics},
	}, sink)
}

// GetPosition reads the contract's view of tokenID. It returns
// domain.ErrNotFound when the contract has no such position.
func (p *Protocol) GetPosition(ctx context.Context, tokenID *big.Int) (domain.Position, error) {
	data, err := p.packManager("getPosition", tokenID)
	if err != nil {
		return domain.Position{}, err
	}
	out, err := p.client.Call(ctx, p.addrs.PositionManager, data)
	if err != nil {
		return domain.Position{}, &TxError{Op: "getPosition", Reason: p.RevertReason(err), Err: err}
	}
	return p.decodePosition(tokenID, out)
}

// IsLiquidatable evaluates the contract's liquidation predicate.
func (p *Protocol) IsLiquidatable(ctx context.Context, tokenID *big.Int) (bool, error) {
	data, err := p.packManager("isLiquidatable", tokenID)
	if err != nil {
		return false, err
	}
	out, err := p.client.Call(ctx, p.addrs.PositionManager, data)
	if err != nil {
		return false, &TxError{Op: "isLiquidatable", Reason: p.RevertReason(err), Err: err}
	}
	vals, err := p.unpackManager("isLiquidatable", out)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// AccumulatedFundingRate reads the global cumulative funding rate.
func (p *Protocol) AccumulatedFundingRate(ctx context.Context) (decimal.Decimal, error) {
	data, err := p.packManager("accumulatedFundingRate")
	if err != nil {
		return decimal.Zero, err
	}
	out, err := p.client.Call(ctx, p.addrs.PositionManager, data)
	if err != nil {
		return decimal.Zero, &TxError{Op: "accumulatedFundingRate", Reason: p.RevertReason(err), Err: err}
	}
	vals, err := p.unpackManager("accumulatedFundingRate", out)
	if err != nil {
		return decimal.Zero, err
	}
	return scale(vals[0].(*big.Int), p.scales.FundingRate), nil
}

// LastFundingTime reads when funding was last settled.
func (p *Protocol) LastFundingTime(ctx context.Context) (time.Time, error) {
	data, err := p.packManager("lastFundingTime")
	if err != nil {
		return time.Time{}, err
	}
	out, err := p.client.Call(ctx, p.addrs.PositionManager, data)
	if err != nil {
		return time.Time{}, &TxError{Op: "lastFundingTime", Reason: p.RevertReason(err), Err: err}
	}
	vals, err := p.unpackManager("lastFundingTime", out)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(vals[0].(*big.Int).Int64(), 0).UTC(), nil
}

// Price reads the oracle's current mark price.
func (p *Protocol) Price(ctx context.Context) (decimal.Decimal, error) {
	if p.addrs.PriceOracle == (common.Address{}) {
		return decimal.Zero, fmt.Errorf("chain: price oracle not configured")
	}
	data, err := p.oracle.Pack("getPrice")
	if err != nil {
		return decimal.Zero, fmt.Errorf("chain: pack getPrice: %w", err)
	}
	out, err := p.client.Call(ctx, p.addrs.PriceOracle, data)
	if err != nil {
		return decimal.Zero, &TxError{Op: "getPrice", Reason: p.RevertReason(err), Err: err}
	}
	vals, err := p.oracle.Unpack("getPrice", out)
	if err != nil {
		return decimal.Zero, fmt.Errorf("chain: unpack getPrice: %w", err)
	}
	return scale(vals[0].(*big.Int), p.scales.Price), nil
}

// SuggestGasPrice returns the current gas price in wei.
func (p *Protocol) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return p.client.SuggestGasPrice(ctx)
}

// Liquidate estimates, simulates and submits liquidatePosition(tokenID).
func (p *Protocol) Liquidate(ctx context.Context, tokenID *big.Int) (*types.Transaction, error) {
	data, err := p.packManager("liquidatePosition", tokenID)
	if err != nil {
		return nil, err
	}
	tx, err := p.client.Transact(ctx, p.addrs.PositionManager, data)
	if err != nil {
		return nil, &TxError{Op: "liquidatePosition", Reason: p.RevertReason(err), Err: err}
	}
	return tx, nil
}

// UpdateFundingRate estimates, simulates and submits updateFundingRate().
func (p *Protocol) UpdateFundingRate(ctx context.Context) (*types.Transaction, error) {
	data, err := p.packManager("updateFundingRate")
	if err != nil {
		return nil, err
	}
	tx, err := p.client.Transact(ctx, p.addrs.PositionManager, data)
	if err != nil {
		return nil, &TxError{Op: "updateFundingRate", Reason: p.RevertReason(err), Err: err}
	}
	return tx, nil
}

// WaitMined waits for tx to reach the configured confirmation depth. A mined
// transaction with failed status yields the receipt and ErrReverted.
func (p *Protocol) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	r, err := p.client.WaitForReceipt(ctx, hash, p.confirmations)
	if err != nil {
		return nil, err
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return r, fmt.Errorf("chain: tx %s: %w", hash.Hex(), ErrReverted)
	}
	return r, nil
}

// BlockTime returns the timestamp of block n.
func (p *Protocol) BlockTime(ctx context.Context, n uint64) (time.Time, error) {
	return p.client.BlockTime(ctx, n)
}
