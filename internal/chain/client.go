// Package chain is the keeper's gateway to the blockchain: rate-limited RPC
// reads, log queries, transaction submission and receipt tracking.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/perpkeeper/internal/crypto"
)

// ClientConfig holds Client parameters.
type ClientConfig struct {
	RPCURL            string
	WSURL             string
	MaxBlockRange     uint64
	RequestsPerSecond float64
	RequestBurst      int
	GasMultiplier     float64
	ReceiptPoll       time.Duration
}

// Client wraps an ethclient connection with a request budget and a signer.
// All exported methods are safe for concurrent use.
type Client struct {
	eth     *ethclient.Client
	ws      *ethclient.Client
	limiter *rate.Limiter
	signer  *crypto.Signer
	cfg     ClientConfig
	logger  *slog.Logger

	nonceMu   sync.Mutex
	nextNonce *uint64
}

// Dial connects to the configured endpoints. signer may be nil for read-only
// modes.
func Dial(ctx context.Context, cfg ClientConfig, signer *crypto.Signer, logger *slog.Logger) (*Client, error) {
	if cfg.MaxBlockRange == 0 {
		return nil, errors.New("chain: max block range must be >= 1")
	}
	if cfg.GasMultiplier < 1 {
		cfg.GasMultiplier = 1
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	burst := cfg.RequestBurst
	if burst < 1 {
		burst = 1
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial rpc: %w", err)
	}

	c := &Client{
		eth:     eth,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		signer:  signer,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "chain")),
	}

	if cfg.WSURL != "" {
		ws, err := ethclient.DialContext(ctx, cfg.WSURL)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("chain: dial websocket: %w", err)
		}
		c.ws = ws
	}

	if signer != nil {
		id, err := c.ChainID(ctx)
		if err != nil {
			c.Close()
			return nil, err
		}
		if id.Cmp(signer.ChainID()) != 0 {
			c.Close()
			return nil, fmt.Errorf("chain: rpc chain id %s does not match configured %s", id, signer.ChainID())
		}
	}

	return c, nil
}

// Close releases the underlying connections.
func (c *Client) Close() {
	c.eth.Close()
	if c.ws != nil {
		c.ws.Close()
	}
}

// MaxBlockRange is the largest inclusive block span a single log query may
// cover.
func (c *Client) MaxBlockRange() uint64 { return c.cfg.MaxBlockRange }

// CanSubscribe reports whether a push transport is configured.
func (c *Client) CanSubscribe() bool { return c.ws != nil }

// From returns the keeper account, or the zero address in read-only mode.
func (c *Client) From() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("chain: rate limiter: %w", err)
	}
	return nil
}

// ChainID returns the chain id reported by the node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}
	return id, nil
}

// BlockNumber returns the current head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// FilterLogs runs a bounded log query. Queries spanning more than
// MaxBlockRange blocks are rejected before reaching the provider.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if q.FromBlock == nil || q.ToBlock == nil {
		return nil, errors.New("chain: filter query must be bounded")
	}
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	if to < from {
		return nil, fmt.Errorf("chain: invalid range [%d, %d]", from, to)
	}
	if to-from+1 > c.cfg.MaxBlockRange {
		return nil, fmt.Errorf("chain: range [%d, %d] exceeds max block range %d", from, to, c.cfg.MaxBlockRange)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("chain: filter logs [%d, %d]: %w", from, to, err)
	}
	return logs, nil
}

// SubscribeLogs opens a push subscription over the websocket transport.
func (c *Client) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if c.ws == nil {
		return nil, errors.New("chain: no websocket endpoint configured")
	}
	sub, err := c.ws.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		return nil, fmt.Errorf("chain: subscribe logs: %w", err)
	}
	return sub, nil
}

// Call executes a read-only contract call against the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{From: c.From(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SuggestGasPrice returns the node's legacy gas price suggestion in wei.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	p, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest gas price: %w", err)
	}
	return p, nil
}

// Transact estimates gas for calldata, simulates the call, then signs and
// submits it. The gas limit is the estimate scaled by the configured
// multiplier. Simulation and estimation failures are returned unwrapped so
// revert data survives for classification.
func (c *Client) Transact(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	if c.signer == nil {
		return nil, errors.New("chain: no signer configured")
	}
	msg := ethereum.CallMsg{From: c.signer.Address(), To: &to, Data: data}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	estimate, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return nil, err
	}
	gasLimit := uint64(math.Ceil(float64(estimate) * c.cfg.GasMultiplier))

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	msg.Gas = gasLimit
	if _, err := c.eth.PendingCallContract(ctx, msg); err != nil {
		return nil, err
	}

	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce, err := c.nonce(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := c.buildTx(ctx, nonce, to, data, gasLimit)
	if err != nil {
		return nil, err
	}
	signed, err := c.signer.SignTx(tx)
	if err != nil {
		return nil, err
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		c.nextNonce = nil
		return nil, err
	}
	next := nonce + 1
	c.nextNonce = &next

	c.logger.Info("transaction sent",
		slog.String("tx", signed.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas_limit", gasLimit),
	)
	return signed, nil
}

// nonce returns the next nonce to use. Callers hold nonceMu.
func (c *Client) nonce(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	pending, err := c.eth.PendingNonceAt(ctx, c.signer.Address())
	if err != nil {
		return 0, fmt.Errorf("chain: pending nonce: %w", err)
	}
	if c.nextNonce != nil && *c.nextNonce > pending {
		return *c.nextNonce, nil
	}
	return pending, nil
}

func (c *Client) buildTx(ctx context.Context, nonce uint64, to common.Address, data []byte, gas uint64) (*types.Transaction, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: latest header: %w", err)
	}

	if head.BaseFee == nil {
		price, err := c.SuggestGasPrice(ctx)
		if err != nil {
			return nil, err
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Gas:      gas,
			GasPrice: price,
			Data:     data,
		}), nil
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest tip: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.signer.ChainID(),
		Nonce:     nonce,
		To:        &to,
		Gas:       gas,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      data,
	}), nil
}

// WaitForReceipt polls until hash is mined and buried under confirmations
// blocks (1 means "mined"). It returns when ctx is done.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash, confirmations uint64) (*types.Receipt, error) {
	if confirmations == 0 {
		confirmations = 1
	}
	ticker := time.NewTicker(c.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.receipt(ctx, hash)
		switch {
		case err == nil:
			head, herr := c.BlockNumber(ctx)
			if herr == nil && receipt.BlockNumber != nil && head+1 >= receipt.BlockNumber.Uint64()+confirmations {
				return receipt, nil
			}
		case !errors.Is(err, ethereum.NotFound):
			c.logger.Debug("receipt poll failed",
				slog.String("tx", hash.Hex()),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: waiting for receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.eth.TransactionReceipt(ctx, hash)
}

// BlockTime returns the timestamp of block n.
func (c *Client) BlockTime(ctx context.Context, n uint64) (time.Time, error) {
	if err := c.wait(ctx); err != nil {
		return time.Time{}, err
	}
	h, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		return time.Time{}, fmt.Errorf("chain: header %d: %w", n, err)
	}
	return time.Unix(int64(h.Time), 0).UTC(), nil
}
