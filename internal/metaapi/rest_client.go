package metaapi

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"broker-sync-go/internal/config"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const authTokenHeader = "auth-token"

// Deal types and entry types used by the platform's deal history.
const (
	DealTypeBuy     = "DEAL_TYPE_BUY"
	DealTypeSell    = "DEAL_TYPE_SELL"
	DealTypeBalance = "DEAL_TYPE_BALANCE"

	DealEntryIn  = "DEAL_ENTRY_IN"
	DealEntryOut = "DEAL_ENTRY_OUT"
)

// CredentialError means the platform rejected the provisioning inputs
// (bad login/password/server). It is terminal for that provisioning attempt.
type CredentialError struct {
	StatusCode int
	Message    string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credentials rejected (status %d): %s", e.StatusCode, e.Message)
}

// Deal is one atomic fill from the platform's deal history.
type Deal struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"` // DEAL_TYPE_BUY, DEAL_TYPE_SELL, DEAL_TYPE_BALANCE
	Symbol     string    `json:"symbol"`
	Time       time.Time `json:"time"`
	Price      float64   `json:"price"`
	Volume     float64   `json:"volume"`
	Profit     float64   `json:"profit"`
	Commission float64   `json:"commission"`
	Swap       float64   `json:"swap"`
	EntryType  string    `json:"entryType"` // DEAL_ENTRY_IN, DEAL_ENTRY_OUT
	PositionID string    `json:"positionId"`
}

// Position is one currently open position on the terminal.
type Position struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Type          string    `json:"type"`
	Volume        float64   `json:"volume"`
	OpenPrice     float64   `json:"openPrice"`
	CurrentPrice  float64   `json:"currentPrice"`
	Profit        float64   `json:"profit"`
	Swap          float64   `json:"swap"`
	Commission    float64   `json:"commission"`
	Time          time.Time `json:"time"`
	StopLoss      float64   `json:"stopLoss,omitempty"`
	TakeProfit    float64   `json:"takeProfit,omitempty"`
	BrokerComment string    `json:"brokerComment,omitempty"`
}

// AccountInfo is the terminal's snapshot of the trading account.
type AccountInfo struct {
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"freeMargin"`
	Leverage   float64 `json:"leverage"`
	Currency   string  `json:"currency"`
	Login      string  `json:"login"`
	Server     string  `json:"server"`
	Platform   string  `json:"platform"`
}

// ProvisionRequest carries the broker credentials registered with the platform.
type ProvisionRequest struct {
	Name     string `json:"name"`
	Login    string `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
	Platform string `json:"platform"`
	Type     string `json:"type"`
	Magic    int    `json:"magic"`
}

type provisionResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type accountStateResponse struct {
	ID               string `json:"_id"`
	State            string `json:"state"`            // DEPLOYED once deployed
	ConnectionStatus string `json:"connectionStatus"` // CONNECTED once the terminal is reachable
}

// ClientInterface defines the interface for the trading-platform REST API client.
type ClientInterface interface {
	Provision(ctx context.Context, req ProvisionRequest) (string, error)
	Deploy(ctx context.Context, accountID string) error
	AwaitConnected(ctx context.Context, accountID string, timeout, interval time.Duration) (bool, error)
	GetAccountInfo(ctx context.Context, accountID string) (*AccountInfo, error)
	GetOpenPositions(ctx context.Context, accountID string) ([]Position, error)
	GetDeals(ctx context.Context, accountID string, from, to time.Time) ([]Deal, error)
}

// Client is a client for the trading-platform REST API. The platform exposes
// two hosts: a provisioning API (account registration and deployment) and a
// client API (terminal data: info, positions, deal history).
// It implements the ClientInterface.
type Client struct {
	client       *resty.Client // client API host
	provisioning *resty.Client // provisioning API host
	token        string
	logger       *zap.Logger
	limiter      *rate.Limiter
	sleep        func(ctx context.Context, d time.Duration) error
}

// ensure Client implements the interface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new trading-platform REST API client.
func NewClient(cfg *config.MetaAPI, logger *zap.Logger) *Client {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second

	// Initialize the rate limiter; it spans both hosts since the platform
	// accounts quota per token, not per host.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &Client{
		client:       resty.New().SetBaseURL(cfg.ClientBaseURL).SetTimeout(timeout),
		provisioning: resty.New().SetBaseURL(cfg.ProvisioningURL).SetTimeout(timeout),
		token:        cfg.Token,
		logger:       logger,
		limiter:      limiter,
		sleep:        sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// doRequest handles the actual request execution with rate limiting and retry logic.
// Only throttling (429) and server errors are retried; 4xx responses are
// returned to the caller for classification.
func (c *Client) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", url))
		resp, err = req.SetContext(ctx).Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			// Non-retryable response; hand the status and body to the caller.
			return resp, nil
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		if err := c.sleep(ctx, retryAfter); err != nil {
			return nil, err
		}
	}

	if err != nil {
		return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
	}
	return resp, nil
}

// Provision registers broker credentials with the platform and returns the
// provisioned account id. A 4xx response becomes a *CredentialError; transport
// failures and 5xx responses are returned as plain errors and may be retried
// by the caller.
func (c *Client) Provision(ctx context.Context, preq ProvisionRequest) (string, error) {
	if preq.Platform == "" {
		preq.Platform = "mt5"
	}
	if preq.Type == "" {
		preq.Type = "cloud"
	}

	var result provisionResponse
	req := c.provisioning.R().
		SetHeader(authTokenHeader, c.token).
		SetHeader("Content-Type", "application/json").
		SetBody(preq).
		SetResult(&result).
		SetError(&result)

	resp, err := c.doRequest(ctx, http.MethodPost, "/users/current/accounts", req)
	if err != nil {
		return "", fmt.Errorf("failed to provision account: %w", err)
	}

	if resp.IsError() {
		status := resp.StatusCode()
		if status >= 400 && status < 500 {
			msg := result.Message
			if msg == "" {
				msg = resp.String()
			}
			return "", &CredentialError{StatusCode: status, Message: msg}
		}
		return "", fmt.Errorf("provisioning failed with status %d: %s", status, resp.String())
	}

	c.logger.Info("Provisioned platform account", zap.String("account_id", result.ID))
	return result.ID, nil
}

// Deploy asks the platform to deploy the provisioned account to a terminal.
func (c *Client) Deploy(ctx context.Context, accountID string) error {
	req := c.provisioning.R().SetHeader(authTokenHeader, c.token)

	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/users/current/accounts/%s/deploy", accountID), req)
	if err != nil {
		return fmt.Errorf("failed to deploy account %s: %w", accountID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("deploy failed with status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// AwaitConnected polls the account's deployment state until it is both
// deployed and connected, the timeout expires, or ctx is cancelled. Timeout
// is reported as (false, nil), not as an error: the caller decides whether a
// slow terminal is terminal.
func (c *Client) AwaitConnected(ctx context.Context, accountID string, timeout, interval time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if err := c.sleep(ctx, interval); err != nil {
			return false, err
		}

		var state accountStateResponse
		req := c.provisioning.R().
			SetHeader(authTokenHeader, c.token).
			SetResult(&state)

		resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/users/current/accounts/%s", accountID), req)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			// Transient poll failure; keep waiting until the deadline.
			c.logger.Warn("Connection state poll failed", zap.String("account_id", accountID), zap.Error(err))
			continue
		}
		if resp.IsError() {
			c.logger.Warn("Connection state poll returned error status",
				zap.String("account_id", accountID),
				zap.Int("status", resp.StatusCode()))
			continue
		}

		if state.State == "DEPLOYED" && state.ConnectionStatus == "CONNECTED" {
			return true, nil
		}
	}

	return false, nil
}

// GetAccountInfo fetches the terminal's account snapshot. A nil result with a
// nil error means the terminal is unreachable right now; that is not a hard
// failure and the caller may proceed without the balance update.
func (c *Client) GetAccountInfo(ctx context.Context, accountID string) (*AccountInfo, error) {
	var info AccountInfo
	req := c.client.R().
		SetHeader(authTokenHeader, c.token).
		SetResult(&info)

	resp, err := c.doRequest(ctx, http.MethodGet,
		fmt.Sprintf("/users/current/accounts/%s/account-information", accountID), req)
	if err != nil {
		return nil, fmt.Errorf("failed to get account info: %w", err)
	}
	if resp.IsError() {
		c.logger.Warn("Account info unavailable",
			zap.String("account_id", accountID),
			zap.Int("status", resp.StatusCode()))
		return nil, nil
	}

	return &info, nil
}

// GetOpenPositions fetches the account's currently open positions.
func (c *Client) GetOpenPositions(ctx context.Context, accountID string) ([]Position, error) {
	var positions []Position
	req := c.client.R().
		SetHeader(authTokenHeader, c.token).
		SetResult(&positions)

	resp, err := c.doRequest(ctx, http.MethodGet,
		fmt.Sprintf("/users/current/accounts/%s/positions", accountID), req)
	if err != nil {
		return nil, fmt.Errorf("failed to get open positions: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("positions request failed with status %d: %s", resp.StatusCode(), resp.String())
	}

	if positions == nil {
		positions = []Position{}
	}
	return positions, nil
}

// GetDeals fetches the deal history over [from, to). Non-2xx responses are
// returned as errors carrying status and body so the caller can classify
// retryable vs terminal failures.
func (c *Client) GetDeals(ctx context.Context, accountID string, from, to time.Time) ([]Deal, error) {
	var deals []Deal
	req := c.client.R().
		SetHeader(authTokenHeader, c.token).
		SetQueryParams(map[string]string{
			"startTime": from.UTC().Format(time.RFC3339),
			"endTime":   to.UTC().Format(time.RFC3339),
			"offset":    "0",
			"limit":     "1000",
		}).
		SetResult(&deals)

	resp, err := c.doRequest(ctx, http.MethodGet,
		fmt.Sprintf("/users/current/accounts/%s/history-deals/time", accountID), req)
	if err != nil {
		return nil, fmt.Errorf("failed to get deals: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("deals request failed with status %d: %s", resp.StatusCode(), resp.String())
	}

	return deals, nil
}
