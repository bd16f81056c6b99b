// Package chain wraps go-ethereum RPC access for the oracle.
//
// It exposes a narrow Reader used by the event scanner and a Writer used by
// the on-chain feedback submitter, plus decoding of both identity-registry
// generations into one canonical event record.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/chainrep/oracle/internal/config"
)

var (
	ErrRPCConnection = errors.New("chain: RPC connection failed")
	ErrNotRegistered = errors.New("chain: agent not registered")
)

// Reader is the read-only RPC surface the scanner needs.
type Reader interface {
	// CurrentBlock returns the chain head number.
	CurrentBlock(ctx context.Context) (uint64, error)
	// FilterLogs fetches raw logs for a query.
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	// BlockTime returns the timestamp of a block.
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
}

// EthClient abstracts the parts of ethclient we use, for testing.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// Client is one chain's RPC connection plus its registry addresses.
type Client struct {
	cfg    config.ChainConfig
	client EthClient

	// Block timestamps are immutable once confirmed, so cache them; a chunk
	// of logs usually spans a handful of blocks.
	mu         sync.Mutex
	blockTimes map[uint64]time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithEthClient sets a custom RPC client (useful for testing).
func WithEthClient(ec EthClient) Option {
	return func(c *Client) { c.client = ec }
}

// Dial connects to one chain's RPC endpoint.
func Dial(cfg config.ChainConfig, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:        cfg,
		blockTimes: make(map[uint64]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		ec, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRPCConnection, cfg.Name, err)
		}
		c.client = ec
	}
	return c, nil
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.cfg.Name }

// ChainID returns the configured chain id.
func (c *Client) ChainID() int64 { return c.cfg.ChainID }

// Config returns the chain configuration.
func (c *Client) Config() config.ChainConfig { return c.cfg }

func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	n, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number on %s: %w", c.cfg.Name, err)
	}
	return n, nil
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := c.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("filter logs on %s: %w", c.cfg.Name, err)
	}
	return logs, nil
}

func (c *Client) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	c.mu.Lock()
	if t, ok := c.blockTimes[number]; ok {
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	header, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("header %d on %s: %w", number, c.cfg.Name, err)
	}
	t := time.Unix(int64(header.Time), 0).UTC()

	c.mu.Lock()
	// Bound the cache; an eviction wipe is fine, entries are cheap to refill.
	if len(c.blockTimes) > 4096 {
		c.blockTimes = make(map[uint64]time.Time)
	}
	c.blockTimes[number] = t
	c.mu.Unlock()
	return t, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.client.Close()
}
