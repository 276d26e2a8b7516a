// Package chain signs and broadcasts token transfers on an EVM chain and
// watches for their receipts.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/agentswallets/cli/config"
	"github.com/agentswallets/cli/internal/adapter/resilience"
	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/internal/core/ports"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

// transfer(address,uint256)
var transferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

type token struct {
	contract *common.Address // nil for the native asset
	decimals int32
}

// Client implements ports.ChainClient.
type Client struct {
	pool         *EndpointPool
	guard        *resilience.Guard
	chainID      *big.Int
	tokens       map[string]token
	pollInterval time.Duration
	log          zerolog.Logger
}

// NewClient builds a chain client from configuration.
func NewClient(cfg config.ChainConfig, pool *EndpointPool, guard *resilience.Guard, log zerolog.Logger) (*Client, error) {
	tokens := make(map[string]token, len(cfg.Tokens))
	for symbol, tc := range cfg.Tokens {
		// viper lower-cases map keys
		sym, err := domain.NormalizeToken(symbol)
		if err != nil {
			return nil, fmt.Errorf("chain token %q: %w", symbol, err)
		}
		if tc.Decimals < 0 || tc.Decimals > 36 {
			return nil, fmt.Errorf("chain token %s: decimals %d out of range", sym, tc.Decimals)
		}
		t := token{decimals: tc.Decimals}
		if tc.Address != "" {
			if !common.IsHexAddress(tc.Address) {
				return nil, fmt.Errorf("chain token %s: invalid contract address", sym)
			}
			addr := common.HexToAddress(tc.Address)
			t.contract = &addr
		}
		tokens[sym] = t
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Client{
		pool:         pool,
		guard:        guard,
		chainID:      big.NewInt(cfg.ChainID),
		tokens:       tokens,
		pollInterval: poll,
		log:          log.With().Str("component", "chain").Logger(),
	}, nil
}

// Send signs a legacy transaction for req and broadcasts it once. The
// private key never leaves this call.
func (c *Client) Send(ctx context.Context, req ports.TransferRequest) (string, error) {
	sym, err := domain.NormalizeToken(req.Token)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ports.ErrUnsupportedToken, req.Token)
	}
	tok, ok := c.tokens[sym]
	if !ok {
		return "", fmt.Errorf("%w: %s", ports.ErrUnsupportedToken, sym)
	}
	if !common.IsHexAddress(req.To) {
		return "", fmt.Errorf("invalid recipient address %q", req.To)
	}
	to := common.HexToAddress(req.To)

	amount, err := baseUnits(req.Amount, tok.decimals)
	if err != nil {
		return "", err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(req.PrivateKeyHex, "0x"))
	if err != nil {
		return "", errors.New("wallet key is not a valid secp256k1 private key")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	var hash string
	err = c.guard.Do(ctx, func(ctx context.Context) error {
		h, err := c.broadcast(ctx, key, from, to, tok, amount)
		if err != nil {
			return err
		}
		hash = h
		return nil
	})
	if err != nil {
		return "", err
	}

	c.log.Info().Str("tx_hash", hash).Str("token", sym).Str("from", from.Hex()).Msg("transaction broadcast")
	return hash, nil
}

func (c *Client) broadcast(ctx context.Context, key *ecdsa.PrivateKey, from, to common.Address, tok token, amount *big.Int) (string, error) {
	backend, idx, err := c.pool.Backend(ctx)
	if err != nil {
		return "", err
	}

	msg := ethereum.CallMsg{From: from}
	var txTo common.Address
	var value *big.Int
	var data []byte
	if tok.contract == nil {
		txTo, value = to, amount
	} else {
		txTo, value = *tok.contract, big.NewInt(0)
		data = erc20TransferData(to, amount)
	}
	msg.To, msg.Value, msg.Data = &txTo, value, data

	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", c.callFailed(idx, fmt.Errorf("pending nonce: %w", err))
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", c.callFailed(idx, fmt.Errorf("suggest gas price: %w", err))
	}
	gas, err := backend.EstimateGas(ctx, msg)
	if err != nil {
		return "", c.callFailed(idx, fmt.Errorf("estimate gas: %w", err))
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &txTo,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return "", c.callFailed(idx, fmt.Errorf("send transaction: %w", err))
	}
	return signed.Hash().Hex(), nil
}

// ReceiptStatus performs one receipt lookup with bounded retries.
func (c *Client) ReceiptStatus(ctx context.Context, txHash string) (ports.ReceiptStatus, error) {
	raw, err := hexutil.Decode(txHash)
	if err != nil || len(raw) != common.HashLength {
		return "", fmt.Errorf("invalid transaction hash %q", txHash)
	}
	hash := common.BytesToHash(raw)

	status := ports.ReceiptPending
	err = c.guard.Retry(ctx, func(ctx context.Context) error {
		backend, idx, err := c.pool.Backend(ctx)
		if err != nil {
			return err
		}
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			status = ports.ReceiptPending
			return nil
		}
		if err != nil {
			return c.callFailed(idx, fmt.Errorf("transaction receipt: %w", err))
		}
		if receipt.Status == types.ReceiptStatusSuccessful {
			status = ports.ReceiptSuccess
		} else {
			status = ports.ReceiptReverted
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// WaitForReceipt polls until the transaction settles or timeout elapses.
// Transient lookup failures keep the poll going; an open breaker or a
// cancelled caller ends it with an error.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (ports.ReceiptStatus, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.ReceiptStatus(ctx, txHash)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		switch {
		case err == nil && status != ports.ReceiptPending:
			return status, nil
		case err != nil && errors.Is(err, ports.ErrUnavailable):
			return "", err
		case err != nil:
			c.log.Warn().Err(err).Str("tx_hash", txHash).Msg("receipt lookup failed, polling again")
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return ports.ReceiptTimeout, nil
		case <-ticker.C:
		}
	}
}

// callFailed classifies a failed RPC call against endpoint idx. A
// transport failure rotates the pool. A JSON-RPC error comes from a healthy
// node that refused this request, so it keeps the endpoint and is marked
// ports.ErrRejected to leave the breaker closed.
func (c *Client) callFailed(idx int, err error) error {
	var rpcErr rpc.Error
	switch {
	case errors.As(err, &rpcErr):
		return fmt.Errorf("%w: %w", ports.ErrRejected, err)
	case errors.Is(err, context.Canceled):
		return err
	}
	c.pool.MarkFailed(idx)
	return err
}

// baseUnits converts micro-units to the token's smallest unit.
func baseUnits(m domain.Micros, decimals int32) (*big.Int, error) {
	if m <= 0 {
		return nil, domain.ErrAmountNotPositive
	}
	d := m.Decimal().Shift(decimals)
	if !d.Equal(d.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more precision than %d decimals", m, decimals)
	}
	return d.BigInt(), nil
}

func erc20TransferData(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
