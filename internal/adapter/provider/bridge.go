// Package provider talks to the local market bridge that places and
// cancels orders on the prediction market.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentswallets/cli/config"
	"github.com/agentswallets/cli/internal/adapter/resilience"
	"github.com/agentswallets/cli/internal/core/domain"
	"github.com/agentswallets/cli/internal/core/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	headerSignature   = "X-Signature"
	headerTimestamp   = "X-Timestamp"
	headerNonce       = "X-Nonce"
	headerIdempotency = "Idempotency-Key"

	maxErrorBody = 512
)

// HTTPClient is the subset of *http.Client the bridge uses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Bridge implements ports.MarketProvider over HTTP.
type Bridge struct {
	base   string
	hc     HTTPClient
	signer *Signer
	guard  *resilience.Guard
	now    func() time.Time
	log    zerolog.Logger
}

// NewBridge builds a bridge client. hc may be nil.
func NewBridge(cfg config.ProviderConfig, hc HTTPClient, guard *resilience.Guard, log zerolog.Logger) *Bridge {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "http://127.0.0.1:8788"
	}
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Bridge{
		base:   base,
		hc:     hc,
		signer: NewSigner(cfg.Secret),
		guard:  guard,
		now:    time.Now,
		log:    log.With().Str("component", "provider").Logger(),
	}
}

type orderBody struct {
	ClientOrderID string        `json:"client_order_id"`
	WalletID      string        `json:"wallet_id"`
	Market        string        `json:"market"`
	Token         string        `json:"token"`
	Amount        domain.Micros `json:"amount"`
	Price         string        `json:"price,omitempty"`
}

type cancelBody struct {
	WalletID string `json:"wallet_id"`
}

// Buy places a buy order.
func (b *Bridge) Buy(ctx context.Context, order ports.ProviderOrder) (*ports.ProviderResult, error) {
	return b.place(ctx, "/orders/buy", order)
}

// Sell places a sell order.
func (b *Bridge) Sell(ctx context.Context, order ports.ProviderOrder) (*ports.ProviderResult, error) {
	return b.place(ctx, "/orders/sell", order)
}

func (b *Bridge) place(ctx context.Context, path string, order ports.ProviderOrder) (*ports.ProviderResult, error) {
	body := orderBody{
		ClientOrderID: order.ClientOrderID,
		WalletID:      order.WalletID,
		Market:        order.Market,
		Token:         order.Token,
		Amount:        order.Amount,
		Price:         order.Price,
	}
	return b.post(ctx, path, order.ClientOrderID, body)
}

// Cancel cancels a previously placed order.
func (b *Bridge) Cancel(ctx context.Context, walletID, providerOrderID string) (*ports.ProviderResult, error) {
	if strings.TrimSpace(providerOrderID) == "" {
		return nil, fmt.Errorf("%w: order id is required", ports.ErrProviderRejected)
	}
	path := "/orders/" + url.PathEscape(providerOrderID) + "/cancel"
	return b.post(ctx, path, "", cancelBody{WalletID: walletID})
}

func (b *Bridge) post(ctx context.Context, path, idempotencyKey string, payload any) (*ports.ProviderResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal provider request: %w", err)
	}

	var out *ports.ProviderResult
	err = b.guard.Do(ctx, func(ctx context.Context) error {
		res, err := b.do(ctx, http.MethodPost, path, idempotencyKey, raw)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		b.log.Warn().Err(err).Str("path", path).Msg("provider request failed")
		return nil, err
	}
	return out, nil
}

func (b *Bridge) do(ctx context.Context, method, path, idempotencyKey string, body []byte) (*ports.ProviderResult, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "agentswallets/bridge")
	if idempotencyKey != "" {
		req.Header.Set(headerIdempotency, idempotencyKey)
	}
	if b.signer != nil {
		ts := b.now().Unix()
		nonce := uuid.NewString()
		req.Header.Set(headerTimestamp, fmt.Sprintf("%d", ts))
		req.Header.Set(headerNonce, nonce)
		req.Header.Set(headerSignature, b.signer.Sign(CanonicalString(method, path, ts, nonce, string(body))))
	}

	resp, err := b.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("provider %s: %w: status %d", path, ports.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("provider %s: %w: status %d: %s", path, ports.ErrProviderRejected, resp.StatusCode, errorMessage(respBody))
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("provider %s: status %d: %s", path, resp.StatusCode, errorMessage(respBody))
	}

	return decodeResult(respBody)
}

// decodeResult keeps the full provider payload in Data and lifts the
// order id and status out of it.
func decodeResult(body []byte) (*ports.ProviderResult, error) {
	var data map[string]any
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, fmt.Errorf("decode provider response: %w", err)
		}
	}
	res := &ports.ProviderResult{Data: data}
	res.ProviderOrderID = firstString(data, "order_id", "orderID", "id")
	res.ProviderStatus = firstString(data, "status", "state")
	return res, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func errorMessage(body []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	if s == "" {
		return "empty response"
	}
	return s
}
