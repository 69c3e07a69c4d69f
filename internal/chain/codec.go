package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpkeeper/internal/domain"
)

// EventType identifies an indexed contract event.
type EventType int

const (
	EventPositionOpened EventType = iota + 1
	EventPositionClosed
	EventPositionLiquidated
	EventTransfer
)

func (t EventType) String() string {
	switch t {
	case EventPositionOpened:
		return "PositionOpened"
	case EventPositionClosed:
		return "PositionClosed"
	case EventPositionLiquidated:
		return "PositionLiquidated"
	case EventTransfer:
		return "Transfer"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is a decoded contract log. Fields not carried by the event type are
// left zero.
type Event struct {
	Type     EventType
	Contract common.Address
	TokenID  *big.Int

	Owner      common.Address
	Liquidator common.Address
	From       common.Address
	To         common.Address

	Collateral     decimal.Decimal
	Leverage       decimal.Decimal
	EntryPrice     decimal.Decimal
	IsLong         bool
	PnL            decimal.Decimal
	FundingPayment decimal.Decimal

	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
	Removed     bool
}

// Scales holds the fixed-point decimals of the values the contracts return.
type Scales struct {
	Collateral  int32
	Price       int32
	Leverage    int32
	FundingRate int32
}

// Codec packs calls and decodes logs, return data and revert payloads for the
// keeper's contracts. It performs no I/O.
type Codec struct {
	manager abi.ABI
	nft     abi.ABI
	oracle  abi.ABI
	scales  Scales

	managerAddr common.Address
	nftAddr     common.Address
}

// NewCodec parses the embedded contract interfaces.
func NewCodec(managerAddr, nftAddr common.Address, scales Scales) (*Codec, error) {
	manager, err := abi.JSON(strings.NewReader(positionManagerABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse position manager abi: %w", err)
	}
	nft, err := abi.JSON(strings.NewReader(positionNFTABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse position nft abi: %w", err)
	}
	oracle, err := abi.JSON(strings.NewReader(priceOracleABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse price oracle abi: %w", err)
	}
	return &Codec{
		manager:     manager,
		nft:         nft,
		oracle:      oracle,
		scales:      scales,
		managerAddr: managerAddr,
		nftAddr:     nftAddr,
	}, nil
}

// Topic returns the topic0 hash for t.
func (c *Codec) Topic(t EventType) common.Hash {
	switch t {
	case EventPositionOpened:
		return c.manager.Events["PositionOpened"].ID
	case EventPositionClosed:
		return c.manager.Events["PositionClosed"].ID
	case EventPositionLiquidated:
		return c.manager.Events["PositionLiquidated"].ID
	case EventTransfer:
		return c.nft.Events["Transfer"].ID
	default:
		return common.Hash{}
	}
}

// DecodeLog decodes a log emitted by the position manager or position NFT.
func (c *Codec) DecodeLog(l types.Log) (Event, error) {
	if len(l.Topics) == 0 {
		return Event{}, errors.New("chain: anonymous log")
	}
	ev := Event{
		Contract:    l.Address,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
		Removed:     l.Removed,
	}

	switch l.Topics[0] {
	case c.Topic(EventPositionOpened):
		if len(l.Topics) < 3 {
			return Event{}, errors.New("chain: PositionOpened: missing topics")
		}
		vals, err := c.manager.Events["PositionOpened"].Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return Event{}, fmt.Errorf("chain: PositionOpened: %w", err)
		}
		ev.Type = EventPositionOpened
		ev.TokenID = l.Topics[1].Big()
		ev.Owner = common.BytesToAddress(l.Topics[2].Bytes())
		ev.Collateral = scale(vals[0].(*big.Int), c.scales.Collateral)
		ev.Leverage = scale(vals[1].(*big.Int), c.scales.Leverage)
		ev.EntryPrice = scale(vals[2].(*big.Int), c.scales.Price)
		ev.IsLong = vals[3].(bool)

	case c.Topic(EventPositionClosed):
		if len(l.Topics) < 3 {
			return Event{}, errors.New("chain: PositionClosed: missing topics")
		}
		vals, err := c.manager.Events["PositionClosed"].Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return Event{}, fmt.Errorf("chain: PositionClosed: %w", err)
		}
		ev.Type = EventPositionClosed
		ev.TokenID = l.Topics[1].Big()
		ev.Owner = common.BytesToAddress(l.Topics[2].Bytes())
		ev.PnL = scale(vals[0].(*big.Int), c.scales.Collateral)

	case c.Topic(EventPositionLiquidated):
		if len(l.Topics) < 4 {
			return Event{}, errors.New("chain: PositionLiquidated: missing topics")
		}
		vals, err := c.manager.Events["PositionLiquidated"].Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return Event{}, fmt.Errorf("chain: PositionLiquidated: %w", err)
		}
		ev.Type = EventPositionLiquidated
		ev.TokenID = l.Topics[1].Big()
		ev.Owner = common.BytesToAddress(l.Topics[2].Bytes())
		ev.Liquidator = common.BytesToAddress(l.Topics[3].Bytes())
		ev.PnL = scale(vals[0].(*big.Int), c.scales.Collateral)
		ev.FundingPayment = scale(vals[1].(*big.Int), c.scales.Collateral)

	case c.Topic(EventTransfer):
		if len(l.Topics) < 4 {
			return Event{}, errors.New("chain: Transfer: missing topics")
		}
		ev.Type = EventTransfer
		ev.From = common.BytesToAddress(l.Topics[1].Bytes())
		ev.To = common.BytesToAddress(l.Topics[2].Bytes())
		ev.TokenID = l.Topics[3].Big()

	default:
		return Event{}, fmt.Errorf("chain: unknown event topic %s", l.Topics[0].Hex())
	}
	return ev, nil
}

// FundingRateFromReceipt returns the rate carried by a FundingRateUpdated log
// in r, if any.
func (c *Codec) FundingRateFromReceipt(r *types.Receipt) (decimal.Decimal, bool) {
	ev := c.manager.Events["FundingRateUpdated"]
	for _, l := range r.Logs {
		if l.Address != c.managerAddr || len(l.Topics) == 0 || l.Topics[0] != ev.ID {
			continue
		}
		vals, err := ev.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			continue
		}
		return scale(vals[0].(*big.Int), c.scales.FundingRate), true
	}
	return decimal.Zero, false
}

// LiquidationFromReceipt returns the PositionLiquidated event for tokenID in r.
func (c *Codec) LiquidationFromReceipt(r *types.Receipt, tokenID *big.Int) (Event, bool) {
	topic := c.Topic(EventPositionLiquidated)
	for _, l := range r.Logs {
		if l.Address != c.managerAddr || len(l.Topics) < 2 || l.Topics[0] != topic {
			continue
		}
		if l.Topics[1].Big().Cmp(tokenID) != 0 {
			continue
		}
		ev, err := c.DecodeLog(*l)
		if err != nil {
			continue
		}
		return ev, true
	}
	return Event{}, false
}

func (c *Codec) packManager(method string, args ...any) ([]byte, error) {
	data, err := c.manager.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	return data, nil
}

func (c *Codec) unpackManager(method string, data []byte) ([]any, error) {
	vals, err := c.manager.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return vals, nil
}

// decodePosition maps getPosition return values onto a domain.Position.
func (c *Codec) decodePosition(tokenID *big.Int, data []byte) (domain.Position, error) {
	vals, err := c.unpackManager("getPosition", data)
	if err != nil {
		return domain.Position{}, err
	}
	if len(vals) != 8 {
		return domain.Position{}, fmt.Errorf("chain: getPosition: expected 8 values, got %d", len(vals))
	}
	owner := vals[0].(common.Address)
	if owner == (common.Address{}) {
		return domain.Position{}, fmt.Errorf("chain: position %s: %w", tokenID, domain.ErrNotFound)
	}
	p := domain.Position{
		TokenID:          tokenID.String(),
		Owner:            owner.Hex(),
		Collateral:       scale(vals[1].(*big.Int), c.scales.Collateral),
		Leverage:         scale(vals[2].(*big.Int), c.scales.Leverage),
		EntryPrice:       scale(vals[3].(*big.Int), c.scales.Price),
		EntryFundingRate: scale(vals[4].(*big.Int), c.scales.FundingRate),
		IsLong:           vals[5].(bool),
		IsOpen:           vals[6].(bool),
	}
	if opened := vals[7].(*big.Int); opened.Sign() > 0 {
		p.CreatedAt = time.Unix(opened.Int64(), 0).UTC()
	}
	return p, nil
}

// RevertReason extracts a human-readable reason from a call or estimation
// error. It understands Error(string), panics and the position manager's
// custom errors, and falls back to the error text.
func (c *Codec) RevertReason(err error) string {
	if err == nil {
		return ""
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil && len(data) >= 4 {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason
				}
				var sel [4]byte
				copy(sel[:], data[:4])
				if e, lerr := c.manager.ErrorByID(sel); lerr == nil {
					return e.Name
				}
			}
		}
	}
	return err.Error()
}

func scale(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}
