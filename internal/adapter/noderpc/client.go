// Package noderpc is the client for the wallet node's JSON action RPC.
package noderpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"tipledger/config"
	"tipledger/internal/core/domain"
	"tipledger/pkg/apperror"
	"tipledger/pkg/logger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

// Client implements ports.NodeClient and ports.HealthChecker.
type Client struct {
	url            string
	wallet         string
	sendTimeout    time.Duration
	balanceTimeout time.Duration
	http           *http.Client
	limiter        *rate.Limiter
	log            zerolog.Logger
}

// NewClient creates a node client. Calls are rate limited to cfg.RatePerSec
// with bursts of cfg.Burst; a non-positive rate disables limiting.
func NewClient(cfg config.NodeConfig, log zerolog.Logger) *Client {
	limit := rate.Limit(cfg.RatePerSec)
	if cfg.RatePerSec <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Client{
		url:            cfg.URL,
		wallet:         cfg.Wallet,
		sendTimeout:    cfg.Timeout,
		balanceTimeout: cfg.BalanceTimeout,
		http:           &http.Client{},
		limiter:        rate.NewLimiter(limit, burst),
		log:            logger.Component(log, "noderpc"),
	}
}

type accountCreateRequest struct {
	Action string `json:"action"`
	Wallet string `json:"wallet"`
}

type accountCreateResponse struct {
	Account string `json:"account"`
}

// CreateAccount creates a new account in the configured wallet.
func (c *Client) CreateAccount(ctx context.Context) (string, error) {
	var resp accountCreateResponse
	err := c.call(ctx, c.balanceTimeout, accountCreateRequest{
		Action: "account_create",
		Wallet: c.wallet,
	}, &resp)
	if err != nil {
		return "", err
	}
	if err := domain.ValidateAddress(resp.Account); err != nil {
		return "", apperror.ErrNodeUnavailable(fmt.Errorf("account_create returned %q: %w", resp.Account, err))
	}
	return resp.Account, nil
}

type accountBalanceRequest struct {
	Action  string `json:"action"`
	Account string `json:"account"`
}

type accountBalanceResponse struct {
	Balance    string `json:"balance"`
	Receivable string `json:"receivable"`
	Pending    string `json:"pending"` // older nodes
}

// GetBalance returns the confirmed and receivable raw balance of address.
func (c *Client) GetBalance(ctx context.Context, address string) (domain.NodeBalance, error) {
	var resp accountBalanceResponse
	err := c.call(ctx, c.balanceTimeout, accountBalanceRequest{
		Action:  "account_balance",
		Account: address,
	}, &resp)
	if err != nil {
		return domain.NodeBalance{}, err
	}

	confirmed, err := parseRawField("balance", resp.Balance)
	if err != nil {
		return domain.NodeBalance{}, err
	}
	receivableRaw := resp.Receivable
	if receivableRaw == "" {
		receivableRaw = resp.Pending
	}
	receivable := decimal.Zero
	if receivableRaw != "" {
		if receivable, err = parseRawField("receivable", receivableRaw); err != nil {
			return domain.NodeBalance{}, err
		}
	}
	return domain.NodeBalance{Confirmed: confirmed, Receivable: receivable}, nil
}

type sendRequest struct {
	Action      string `json:"action"`
	Wallet      string `json:"wallet"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	ID          string `json:"id"`
}

type sendResponse struct {
	Block string `json:"block"`
}

// Send publishes a send block. The node deduplicates on idempotencyKey, so
// repeating a call that already succeeded returns the original block hash.
func (c *Client) Send(ctx context.Context, idempotencyKey uuid.UUID, source, destination string, amount decimal.Decimal) (string, error) {
	var resp sendResponse
	err := c.call(ctx, c.sendTimeout, sendRequest{
		Action:      "send",
		Wallet:      c.wallet,
		Source:      source,
		Destination: destination,
		Amount:      amount.String(),
		ID:          idempotencyKey.String(),
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Block, nil
}

type versionRequest struct {
	Action string `json:"action"`
}

// Ping checks that the node answers RPC calls.
func (c *Client) Ping(ctx context.Context) error {
	var resp map[string]any
	return c.call(ctx, c.balanceTimeout, versionRequest{Action: "version"}, &resp)
}

// Name returns the dependency name.
func (c *Client) Name() string {
	return "node"
}

// call posts one action and decodes the reply into out. Every failure is
// returned as ErrNodeUnavailable, or ErrBroadcastTimeout when the deadline
// expired.
func (c *Client) call(ctx context.Context, timeout time.Duration, req any, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return mapError(ctx, fmt.Errorf("rate limiter: %w", err))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("encode node request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return apperror.ErrNodeUnavailable(fmt.Errorf("build node request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return mapError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return mapError(ctx, fmt.Errorf("read node response: %w", err))
	}

	c.log.Debug().
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Node RPC call")

	if resp.StatusCode >= http.StatusInternalServerError {
		return apperror.ErrNodeUnavailable(fmt.Errorf("node returned status %d", resp.StatusCode))
	}

	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return apperror.ErrNodeUnavailable(fmt.Errorf("decode node response (status %d): %w", resp.StatusCode, err))
	}
	if envelope.Error != "" {
		return apperror.ErrNodeUnavailable(fmt.Errorf("node error: %s", envelope.Error))
	}
	if resp.StatusCode != http.StatusOK {
		return apperror.ErrNodeUnavailable(fmt.Errorf("node returned status %d", resp.StatusCode))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return apperror.ErrNodeUnavailable(fmt.Errorf("decode node response: %w", err))
	}
	return nil
}

func mapError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperror.ErrBroadcastTimeout(err)
	}
	return apperror.ErrNodeUnavailable(err)
}

func parseRawField(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, apperror.ErrNodeUnavailable(fmt.Errorf("node %s %q: %w", field, value, err))
	}
	if !d.IsInteger() || d.IsNegative() {
		return decimal.Decimal{}, apperror.ErrNodeUnavailable(fmt.Errorf("node %s %q is not a raw amount", field, value))
	}
	return d, nil
}
