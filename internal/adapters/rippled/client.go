// Package rippled talks to an XRPL node: JSON-RPC over HTTP for historical
// ledgers and a WebSocket subscription for the live account stream.
package rippled

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/alejandrodnm/mitate/internal/ledger"
	"golang.org/x/time/rate"
)

const (
	// Los nodos públicos cortan alrededor de 10 req/s por IP.
	defaultRatePerSec = 6

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// Client es el cliente JSON-RPC de rippled con rate limiting y retries.
type Client struct {
	http     *http.Client
	url      string
	limiter  *rate.Limiter
	baseWait time.Duration
}

// NewClient crea un Client contra rpcURL. ratePerSec <= 0 usa el default.
func NewClient(rpcURL string, ratePerSec float64) *Client {
	if ratePerSec <= 0 {
		ratePerSec = defaultRatePerSec
	}
	return &Client{
		http:     &http.Client{Timeout: 15 * time.Second},
		url:      rpcURL,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), 2),
		baseWait: baseRetryWait,
	}
}

// SetRetryWait cambia la espera base del backoff (tests).
func (c *Client) SetRetryWait(d time.Duration) {
	c.baseWait = d
}

// LedgerTransactions devuelve todas las transacciones del ledger index.
func (c *Client) LedgerTransactions(ctx context.Context, index uint32) ([]ledger.ObservedTx, error) {
	var res ledgerResult
	err := c.call(ctx, "ledger", ledgerParams{
		LedgerIndex:  index,
		Transactions: true,
		Expand:       true,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("rippled.LedgerTransactions(%d): %w", index, err)
	}

	idx := uint32(res.Ledger.LedgerIndex)
	if idx == 0 {
		idx = uint32(res.LedgerIndex)
	}
	if idx == 0 {
		idx = index
	}

	out := make([]ledger.ObservedTx, 0, len(res.Ledger.Transactions))
	for _, raw := range res.Ledger.Transactions {
		obs, err := decodeObserved(raw)
		if err != nil {
			// Un tx ilegible no es nuestro: los nuestros los construye Builder.
			slog.Debug("rippled: skipping undecodable transaction", "ledger", idx, "err", err)
			continue
		}
		obs.LedgerIndex = idx
		obs.Validated = res.Validated
		if obs.CloseTime == 0 {
			obs.CloseTime = res.Ledger.CloseTime
		}
		out = append(out, obs)
	}
	return out, nil
}

// LatestValidatedLedger devuelve el índice del último ledger validado.
func (c *Client) LatestValidatedLedger(ctx context.Context) (uint32, error) {
	var res ledgerResult
	if err := c.call(ctx, "ledger", ledgerParams{LedgerIndex: "validated"}, &res); err != nil {
		return 0, fmt.Errorf("rippled.LatestValidatedLedger: %w", err)
	}
	idx := uint32(res.LedgerIndex)
	if idx == 0 {
		idx = uint32(res.Ledger.LedgerIndex)
	}
	if idx == 0 {
		return 0, fmt.Errorf("rippled.LatestValidatedLedger: %w: empty ledger index", domain.ErrLedger)
	}
	return idx, nil
}

// call hace un POST JSON-RPC. Todo fallo de transporte o de nodo se envuelve
// en domain.ErrLedger.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var resp rpcResponse
	err = c.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return c.http.Do(req)
	}, &resp)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrLedger, method, err)
	}

	var st rpcStatus
	if err := json.Unmarshal(resp.Result, &st); err != nil {
		return fmt.Errorf("%w: %s: decode status: %v", domain.ErrLedger, method, err)
	}
	if st.Status == "error" || st.Error != "" {
		return fmt.Errorf("%w: %s: %s %s", domain.ErrLedger, method, st.Error, st.ErrorMessage)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("%w: %s: decode result: %v", domain.ErrLedger, method, err)
	}
	return nil
}

// doWithRetry ejecuta la función con backoff exponencial.
func (c *Client) doWithRetry(ctx context.Context, fn func() (*http.Response, error), out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := fn()
		if err != nil {
			if attempt == maxRetries || ctx.Err() != nil {
				return fmt.Errorf("request failed after %d retries: %w", attempt, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			resp.Body.Close()
			slog.Warn("rippled: throttled by node", "status", resp.StatusCode, "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("server error %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
		}

		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep espera con backoff exponencial, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.baseWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
