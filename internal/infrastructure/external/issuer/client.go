// Package issuer implements the HTTP client for the partner reward issuance
// service. Every call carries the (user, challenge) idempotency key, so the
// service treats retries and replays as a single issuance.
package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/stamptrail/progression-engine/internal/domain/reward"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/pkg/circuitbreaker"
	"github.com/stamptrail/progression-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the issuance client.
type ClientConfig struct {
	// BaseURL is the issuance service base URL, e.g. https://rewards.partner.io
	BaseURL string

	// APIKey is sent as a bearer token when set
	APIKey string

	// Timeout bounds a single HTTP attempt
	Timeout time.Duration

	// RequestsPerSecond and Burst throttle outgoing calls
	RequestsPerSecond float64
	Burst             int

	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:           baseURL,
		Timeout:           5 * time.Second,
		RequestsPerSecond: 20,
		Burst:             10,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is a reward.Issuer backed by the issuance service's REST API.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	retrier    *retry.Retrier
}

var _ reward.Issuer = (*Client)(nil)

// NewClient creates a new issuance client.
func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	c := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     config.Logger.With("component", "reward_issuer"),
		limiter:    rate.NewLimiter(limit, config.Burst),
	}
	c.breaker = circuitbreaker.IssuerBreaker(func(name string, from, to circuitbreaker.State) {
		c.logger.Warn("circuit breaker state changed",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
	})
	c.retrier = retry.IssuerRetrier(isRetryable)
	return c
}

// Issue delivers the reward described by req. Errors are wrapped as
// shared.ErrTransientDependency: the caller leaves the reward pending and the
// retry job tries again with the same idempotency key.
func (c *Client) Issue(ctx context.Context, req reward.IssueRequest) (reward.Receipt, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = reward.IdempotencyKey(req.UserID, req.ChallengeID)
	}

	body := issueRequestDTO{
		UserID:      req.UserID,
		ChallengeID: req.ChallengeID,
		XP:          req.XP,
		Kind:        string(req.Reward.Kind),
		Value:       req.Reward.Value,
		Badge:       req.Reward.Badge,
	}

	var resp issueResponseDTO
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.doSingleRequest(ctx, http.MethodPost, "/v1/rewards", req.IdempotencyKey, body, &resp)
		})
	})
	if err != nil {
		c.logger.Warn("reward issuance failed",
			"user_id", req.UserID,
			"challenge_id", req.ChallengeID,
			"error", err,
		)
		return reward.Receipt{}, shared.WrapError("reward", "Issue", shared.ErrTransientDependency,
			"reward issuance failed", err)
	}

	return resp.toReceipt(), nil
}

// doSingleRequest performs a single HTTP request.
func (c *Client) doSingleRequest(ctx context.Context, method, path, idempotencyKey string, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}
	}

	// 409 means the key was already issued; the body carries the original receipt.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusConflict {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload errorResponseDTO
		if json.Unmarshal(respBody, &payload) == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Message
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// isRetryable reports whether another attempt may succeed.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH AND STATUS
// ══════════════════════════════════════════════════════════════════════════════

// IsHealthy checks if the issuance service is reachable.
func (c *Client) IsHealthy(ctx context.Context) bool {
	return c.doSingleRequest(ctx, http.MethodGet, "/health", "", nil, nil) == nil
}

// BreakerState reports the circuit breaker state guarding the service.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// Reset closes the circuit breaker.
func (c *Client) Reset() {
	c.breaker.Reset()
}
