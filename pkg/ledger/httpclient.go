package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/canopy-network/poold/pkg/utils"
	"golang.org/x/time/rate"
)

// HTTPClient talks JSON to one or more ledger gateway endpoints, with a client-side
// rate limit and a per-endpoint circuit breaker.
type HTTPClient struct {
	endpoints []string
	client    *http.Client
	limiter   *rate.Limiter
	keystore  string

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// Opts is the set of options for a new HTTPClient.
type Opts struct {
	Endpoints       []string
	Keystore        string
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// NewHTTPClient creates a new HTTPClient with the given options.
func NewHTTPClient(o Opts) *HTTPClient {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	return &HTTPClient{
		endpoints:        utils.DedupEndpoints(o.Endpoints),
		client:           client,
		limiter:          rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
		keystore:         o.Keystore,
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
}

// isOpen returns true if the endpoint's breaker is OPEN.
func (c *HTTPClient) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

// noteFailure marks an endpoint as failed and opens the breaker past the threshold.
func (c *HTTPClient) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = time.Now().Add(c.breakerCooldown)
	}
}

func (c *HTTPClient) noteSuccess(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep] = 0
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusError maps a 4xx gateway answer to a typed error.
func statusError(code int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Error
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch {
	case code == http.StatusNotFound && eb.Code == "tx_not_found":
		return fmt.Errorf("%w: %s", ErrTxNotFound, msg)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrAccountNotFound, msg)
	case code == http.StatusConflict && eb.Code == "stale_state":
		return fmt.Errorf("%w: %s", ErrStaleState, msg)
	case code == http.StatusConflict && eb.Code == "note_not_found":
		return fmt.Errorf("%w: %s", ErrNoteNotFound, msg)
	}
	return WithHint(fmt.Errorf("ledger http %d: %s", code, msg))
}

// doJSON POSTs payload to path and decodes the response into out. Idempotent calls
// fail over across endpoints on transport and 5xx errors. Non-idempotent calls stop
// at the first endpoint that may have received the request.
func (c *HTTPClient) doJSON(ctx context.Context, path string, idempotent bool, payload any, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("no ledger endpoints configured")
	}

	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = b
	}

	var lastErr error
	for _, ep := range c.endpoints {
		if c.isOpen(ep) {
			lastErr = fmt.Errorf("circuit open for %s", ep)
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			c.noteFailure(ep)
			if !idempotent {
				return fmt.Errorf("ledger %s: %w", path, err)
			}
			lastErr = err
			continue
		}

		raw, readErr := io.ReadAll(resp.Body)
		_ = utils.DrainAndClose(resp.Body)

		if resp.StatusCode >= 500 {
			c.noteFailure(ep)
			lastErr = WithHint(fmt.Errorf("ledger server %d: %s", resp.StatusCode, bytes.TrimSpace(raw)))
			if !idempotent {
				return lastErr
			}
			continue
		}
		c.noteSuccess(ep)
		if resp.StatusCode >= 300 {
			return statusError(resp.StatusCode, raw)
		}
		if readErr != nil {
			return readErr
		}
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("no ledger endpoint available")
	}
	return lastErr
}

type accountRequest struct {
	AccountID string `json:"accountId"`
}

func (c *HTTPClient) Sync(ctx context.Context) (uint64, error) {
	var resp struct {
		Height uint64 `json:"height"`
	}
	if err := c.doJSON(ctx, syncPath, true, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Height, nil
}

func (c *HTTPClient) ImportAccount(ctx context.Context, accountID string) error {
	return c.doJSON(ctx, importAccountPath, true, accountRequest{AccountID: accountID}, nil)
}

func (c *HTTPClient) GetAccountReserves(ctx context.Context, accountID string) ([]Asset, error) {
	var resp struct {
		Assets []Asset `json:"assets"`
	}
	if err := c.doJSON(ctx, reservesPath, true, accountRequest{AccountID: accountID}, &resp); err != nil {
		return nil, err
	}
	return resp.Assets, nil
}

func (c *HTTPClient) ListConsumableNotes(ctx context.Context, accountID string) ([]Note, error) {
	var resp struct {
		Notes []Note `json:"notes"`
	}
	if err := c.doJSON(ctx, notesPath, true, accountRequest{AccountID: accountID}, &resp); err != nil {
		return nil, err
	}
	return resp.Notes, nil
}

func (c *HTTPClient) Submit(ctx context.Context, accountID string, req TxRequest) (string, error) {
	payload := struct {
		AccountID string    `json:"accountId"`
		Keystore  string    `json:"keystore,omitempty"`
		Request   TxRequest `json:"request"`
	}{AccountID: accountID, Keystore: c.keystore, Request: req}

	var resp struct {
		TxID string `json:"txId"`
	}
	if err := c.doJSON(ctx, submitPath, false, payload, &resp); err != nil {
		return "", err
	}
	if resp.TxID == "" {
		return "", errors.New("ledger returned an empty transaction id")
	}
	return resp.TxID, nil
}

func (c *HTTPClient) TransactionStatus(ctx context.Context, txID string) (TxStatus, error) {
	var resp struct {
		Status TxStatus `json:"status"`
	}
	payload := struct {
		TxID string `json:"txId"`
	}{TxID: txID}
	if err := c.doJSON(ctx, txStatusPath, true, payload, &resp); err != nil {
		return "", err
	}
	switch resp.Status {
	case TxPending, TxCommitted, TxDiscarded:
		return resp.Status, nil
	}
	return "", fmt.Errorf("unknown transaction status %q", resp.Status)
}
