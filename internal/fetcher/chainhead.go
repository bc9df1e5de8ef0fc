package fetcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// HeadReader reports the latest block number of the chain the subgraph indexes.
type HeadReader interface {
	HeadBlock(ctx context.Context) (uint64, error)
}

// ChainHeadOptions parameterise the RPC probe.
type ChainHeadOptions struct {
	RPCURL  string
	Timeout time.Duration
}

// ChainHead reads the head block over Ethereum JSON-RPC. It is used to report
// how far the subgraph lags behind the chain.
type ChainHead struct {
	opts      ChainHeadOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewChainHead builds a head probe; the connection is dialled lazily.
func NewChainHead(opts ChainHeadOptions, logger zerolog.Logger) *ChainHead {
	return &ChainHead{opts: opts, logger: logger.With().Str("component", "chain_head").Logger()}
}

// HeadBlock returns the latest block number.
func (c *ChainHead) HeadBlock(ctx context.Context) (uint64, error) {
	if c.opts.RPCURL == "" {
		return 0, errors.New("ethereum rpc url not configured")
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

// Close drops the RPC connection.
func (c *ChainHead) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

func (c *ChainHead) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var _ HeadReader = (*ChainHead)(nil)
