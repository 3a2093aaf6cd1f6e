// Package relayhttp talks to the relay's HTTP endpoints: the answer side
// channel, subscription status and token refresh.
package relayhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"clawremote/internal/domain"
	"clawremote/internal/infra/config"
)

// Default breaker settings, used when the config leaves them zero.
const (
	defaultCBMaxFailures uint32        = 3
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
	defaultHTTPTimeout   time.Duration = 10 * time.Second
)

// maxResponseBytes bounds every response body read.
const maxResponseBytes = 1 << 20

// AccessTokener supplies the bearer credential for authenticated endpoints.
type AccessTokener interface {
	AccessToken(ctx context.Context) (string, error)
}

// StatusError is a non-2xx reply from the relay.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("relay http %d", e.Code)
	}
	return fmt.Sprintf("relay http %d: %s", e.Code, e.Body)
}

// Unwrap maps auth and entitlement statuses onto the domain sentinels.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case http.StatusForbidden, http.StatusPaymentRequired:
		return domain.ErrSubscriptionRequired
	}
	return domain.ErrSideChannel
}

// Client calls the relay's HTTP API. Requests pass through a circuit
// breaker so a dead relay fails fast instead of stalling every fallback.
type Client struct {
	base    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	tokens  AccessTokener
	logger  *slog.Logger
}

// NewClient builds a Client for the relay HTTP base URL.
func NewClient(baseURL string, cfg config.SideChannelConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
	if cfg.CircuitBreaker.Enabled {
		c.breaker = newBreaker(cfg.CircuitBreaker, logger)
	}
	return c
}

func newBreaker(cfg config.CircuitBreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[[]byte] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "relay-http",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// A 4xx is the relay answering; only transport failures and 5xx count.
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil
		},
	})
}

// WithTokens returns a copy of c that authenticates with ts. The copy
// shares the breaker and HTTP client.
func (c *Client) WithTokens(ts AccessTokener) *Client {
	cp := *c
	cp.tokens = ts
	return &cp
}

// State returns the breaker state for monitoring.
func (c *Client) State() gobreaker.State {
	if c.breaker == nil {
		return gobreaker.StateClosed
	}
	return c.breaker.State()
}

type subscriptionStatus struct {
	Subscribed       bool    `json:"subscribed"`
	Status           *string `json:"status"`
	CurrentPeriodEnd *string `json:"current_period_end"`
}

// Subscribed implements domain.EntitlementChecker.
func (c *Client) Subscribed(ctx context.Context) (bool, error) {
	body, err := c.do(ctx, http.MethodGet, "/subscription/status", nil, true)
	if err != nil {
		return false, domain.WrapOp("relayhttp.Subscribed", err)
	}
	var st subscriptionStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return false, domain.WrapOp("relayhttp.Subscribed", fmt.Errorf("%w: decode: %w", domain.ErrSideChannel, err))
	}
	return st.Subscribed, nil
}

// AnswerQuestion posts an answer through the relay. The bool reports whether
// the relay forwarded it to a connected host.
func (c *Client) AnswerQuestion(ctx context.Context, a domain.AnswerCommand) (bool, error) {
	body, err := c.do(ctx, http.MethodPost, "/api/answer", a, true)
	if err != nil {
		return false, domain.WrapOp("relayhttp.AnswerQuestion", err)
	}
	var resp struct {
		Sent bool `json:"sent"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, domain.WrapOp("relayhttp.AnswerQuestion", fmt.Errorf("%w: decode: %w", domain.ErrSideChannel, err))
	}
	return resp.Sent, nil
}

// Tokens is a credential pair issued by the relay.
type Tokens struct {
	UserID       string `json:"user_id,omitempty"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new pair. Refresh tokens are
// single use on the relay side.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	req := struct {
		RefreshToken string `json:"refresh_token"`
	}{refreshToken}
	body, err := c.do(ctx, http.MethodPost, "/auth/refresh", req, false)
	if err != nil {
		return Tokens{}, domain.WrapOp("relayhttp.Refresh", err)
	}
	var t Tokens
	if err := json.Unmarshal(body, &t); err != nil {
		return Tokens{}, domain.WrapOp("relayhttp.Refresh", fmt.Errorf("%w: decode: %w", domain.ErrSideChannel, err))
	}
	if t.AccessToken == "" {
		return Tokens{}, domain.WrapOp("relayhttp.Refresh", fmt.Errorf("%w: empty access token", domain.ErrUnauthorized))
	}
	return t, nil
}

func (c *Client) do(ctx context.Context, method, path string, in any, auth bool) ([]byte, error) {
	call := func() ([]byte, error) { return c.roundTrip(ctx, method, path, in, auth) }
	if c.breaker == nil {
		return call()
	}
	body, err := c.breaker.Execute(call)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: circuit open: %w", domain.ErrSideChannel, err)
	}
	return body, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in any, auth bool) ([]byte, error) {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		if c.tokens == nil {
			return nil, domain.ErrUnauthorized
		}
		tok, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSideChannel, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", domain.ErrSideChannel, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

var _ domain.EntitlementChecker = (*Client)(nil)
