package chain

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

var (
	testManager = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testNFT     = common.HexToAddress("0x2000000000000000000000000000000000000002")
	testOwner   = common.HexToAddress("0x3000000000000000000000000000000000000003")
	testKeeper  = common.HexToAddress("0x4000000000000000000000000000000000000004")
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testManager, testNFT, Scales{Collateral: 6, Price: 8})
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestDecodePositionOpened(t *testing.T) {
	c := newTestCodec(t)
	ev := c.manager.Events["PositionOpened"]
	data, err := ev.Inputs.NonIndexed().Pack(
		big.NewInt(1_000_000_000), // 1000 collateral at 6 decimals
		big.NewInt(10),
		big.NewInt(10_000_000_000), // 100 at 8 decimals
		true,
	)
	if err != nil {
		t.Fatal(err)
	}
	l := types.Log{
		Address:     testManager,
		Topics:      []common.Hash{ev.ID, common.BigToHash(big.NewInt(42)), common.BytesToHash(testOwner.Bytes())},
		Data:        data,
		BlockNumber: 100,
		Index:       3,
	}

	got, err := c.DecodeLog(l)
	if err != nil {
		t.Fatalf("DecodeLog: %v", err)
	}
	if got.Type != EventPositionOpened {
		t.Fatalf("type = %v", got.Type)
	}
	if got.TokenID.Int64() != 42 || got.Owner != testOwner {
		t.Fatalf("token/owner = %s/%s", got.TokenID, got.Owner.Hex())
	}
	if !got.Collateral.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("collateral = %s", got.Collateral)
	}
	if !got.Leverage.Equal(decimal.NewFromInt(10)) {
		t.Errorf("leverage = %s", got.Leverage)
	}
	if !got.EntryPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("entry price = %s", got.EntryPrice)
	}
	if !got.IsLong || got.BlockNumber != 100 || got.LogIndex != 3 {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestDecodeLiquidatedAndTransfer(t *testing.T) {
	c := newTestCodec(t)

	liq := c.manager.Events["PositionLiquidated"]
	data, err := liq.Inputs.NonIndexed().Pack(big.NewInt(-400_000_000), big.NewInt(5_000_000))
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.DecodeLog(types.Log{
		Address: testManager,
		Topics: []common.Hash{
			liq.ID,
			common.BigToHash(big.NewInt(7)),
			common.BytesToHash(testOwner.Bytes()),
			common.BytesToHash(testKeeper.Bytes()),
		},
		Data: data,
	})
	if err != nil {
		t.Fatalf("DecodeLog liquidated: %v", err)
	}
	if got.Type != EventPositionLiquidated || got.Liquidator != testKeeper {
		t.Fatalf("unexpected event %+v", got)
	}
	if !got.PnL.Equal(decimal.NewFromInt(-400)) || !got.FundingPayment.Equal(decimal.NewFromInt(5)) {
		t.Errorf("pnl/funding = %s/%s", got.PnL, got.FundingPayment)
	}

	tr, err := c.DecodeLog(types.Log{
		Address: testNFT,
		Topics: []common.Hash{
			c.Topic(EventTransfer),
			{},
			common.BytesToHash(testOwner.Bytes()),
			common.BigToHash(big.NewInt(9)),
		},
	})
	if err != nil {
		t.Fatalf("DecodeLog transfer: %v", err)
	}
	if tr.Type != EventTransfer || tr.From != (common.Address{}) || tr.To != testOwner || tr.TokenID.Int64() != 9 {
		t.Errorf("unexpected transfer %+v", tr)
	}
}

func TestDecodeUnknownTopic(t *testing.T) {
	c := newTestCodec(t)
	if _, err := c.DecodeLog(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}}); err == nil {
		t.Fatal("expected error for unknown topic")
	}
	if _, err := c.DecodeLog(types.Log{}); err == nil {
		t.Fatal("expected error for anonymous log")
	}
}

func TestLiquidationFromReceipt(t *testing.T) {
	c := newTestCodec(t)
	liq := c.manager.Events["PositionLiquidated"]
	data, _ := liq.Inputs.NonIndexed().Pack(big.NewInt(0), big.NewInt(0))
	mk := func(id int64) *types.Log {
		return &types.Log{
			Address: testManager,
			Topics: []common.Hash{
				liq.ID,
				common.BigToHash(big.NewInt(id)),
				common.BytesToHash(testOwner.Bytes()),
				common.BytesToHash(testKeeper.Bytes()),
			},
			Data: data,
		}
	}
	r := &types.Receipt{Logs: []*types.Log{mk(1), mk(2)}}

	ev, ok := c.LiquidationFromReceipt(r, big.NewInt(2))
	if !ok || ev.TokenID.Int64() != 2 {
		t.Fatalf("got %+v, %v", ev, ok)
	}
	if _, ok := c.LiquidationFromReceipt(r, big.NewInt(3)); ok {
		t.Fatal("unexpected match for token 3")
	}
}

type fakeDataError struct {
	msg  string
	data any
}

func (e fakeDataError) Error() string  { return e.msg }
func (e fakeDataError) ErrorData() any { return e.data }

func TestRevertReasonCustomError(t *testing.T) {
	c := newTestCodec(t)
	id := c.manager.Errors["AlreadyLiquidated"].ID
	payload := append(id.Bytes()[:4:4], common.BigToHash(big.NewInt(5)).Bytes()...)

	err := fmt.Errorf("estimate: %w", fakeDataError{msg: "execution reverted", data: hexutil.Encode(payload)})
	if got := c.RevertReason(err); got != "AlreadyLiquidated" {
		t.Fatalf("reason = %q", got)
	}
	if Classify(&TxError{Op: "liquidatePosition", Reason: c.RevertReason(err), Err: err}) != Terminal {
		t.Fatal("expected terminal classification")
	}
}

func TestRevertReasonFallsBackToMessage(t *testing.T) {
	c := newTestCodec(t)
	err := errors.New("connection reset by peer")
	if got := c.RevertReason(err); got != err.Error() {
		t.Fatalf("reason = %q", got)
	}
}
