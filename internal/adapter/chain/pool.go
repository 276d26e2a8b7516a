package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// Backend is the subset of ethclient.Client the chain client needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Dialer opens a Backend for one RPC URL.
type Dialer func(ctx context.Context, url string) (Backend, error)

// DialEthclient is the production Dialer.
func DialEthclient(ctx context.Context, url string) (Backend, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// EndpointPool owns the RPC connections. It is built once at startup and
// shared; a failing endpoint rotates the pool to the next URL.
type EndpointPool struct {
	urls []string
	dial Dialer
	log  zerolog.Logger

	mu      sync.Mutex
	current int
	clients map[int]Backend
}

// NewEndpointPool creates a pool over urls. Connections are opened lazily.
func NewEndpointPool(urls []string, dial Dialer, log zerolog.Logger) (*EndpointPool, error) {
	if len(urls) == 0 {
		return nil, errors.New("chain: at least one rpc url is required")
	}
	if dial == nil {
		dial = DialEthclient
	}
	return &EndpointPool{
		urls:    append([]string(nil), urls...),
		dial:    dial,
		log:     log,
		clients: make(map[int]Backend, len(urls)),
	}, nil
}

// Backend returns the client for the current endpoint.
func (p *EndpointPool) Backend(ctx context.Context) (Backend, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.current
	if c, ok := p.clients[idx]; ok {
		return c, idx, nil
	}
	c, err := p.dial(ctx, p.urls[idx])
	if err != nil {
		p.rotateLocked(idx)
		return nil, idx, fmt.Errorf("dial rpc endpoint %d: %w", idx, err)
	}
	p.clients[idx] = c
	return c, idx, nil
}

// MarkFailed moves the pool off endpoint idx unless another caller
// already did.
func (p *EndpointPool) MarkFailed(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rotateLocked(idx)
}

func (p *EndpointPool) rotateLocked(idx int) {
	if p.current != idx || len(p.urls) < 2 {
		return
	}
	p.current = (idx + 1) % len(p.urls)
	p.log.Warn().Int("from", idx).Int("to", p.current).Msg("rotating rpc endpoint")
}

// Close drops every open connection.
func (p *EndpointPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx, c := range p.clients {
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(p.clients, idx)
	}
}
