// Package binance implements the exchange and market data ports against the
// Binance USDT-M futures REST API.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/erenaydin/futuresbot/internal/domain"
)

// DefaultBaseURL is the production USDT-M futures API root.
const DefaultBaseURL = "https://fapi.binance.com"

const (
	maxAttempts   = 3
	retryBaseWait = 500 * time.Millisecond
	rateLimitKey  = "binance:rest"
)

// Client is the low-level REST client: request signing, rate limiting and
// bounded retry with exponential backoff. Higher-level exchange semantics
// live in Exchange and MarketData.
type Client struct {
	baseURL    string
	auth       *Auth
	httpClient *http.Client
	limiter    domain.RateLimiter
	logger     *slog.Logger
}

// NewClient creates a Client. limiter may be nil to disable throttling; an
// empty baseURL selects production.
func NewClient(baseURL string, auth *Auth, limiter domain.RateLimiter, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: limiter,
		logger:  logger.With(slog.String("component", "binance_client")),
	}
}

// apiError is the error payload Binance returns on non-2xx responses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// do performs one API call. Signed requests carry the API key header and an
// HMAC signature over the query. 5xx and 429 responses are retried with
// backoff; 4xx order rejections are not.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, signed bool) ([]byte, error) {
	if q == nil {
		q = url.Values{}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := retryBaseWait << (attempt - 2)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("binance: %s %s: %w", method, path, ctx.Err())
			case <-time.After(wait):
			}
		}

		body, retryable, err := c.doOnce(ctx, method, path, q, signed)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.logger.Warn("request failed, retrying",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return nil, fmt.Errorf("binance: %s %s: giving up after %d attempts: %w",
		method, path, maxAttempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, q url.Values, signed bool) (body []byte, retryable bool, err error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, rateLimitKey); err != nil {
			return nil, false, fmt.Errorf("binance: rate limit wait: %w", err)
		}
	}

	query := q.Encode()
	if signed {
		// Copy so retries re-sign with a fresh timestamp.
		qc := url.Values{}
		for k, vs := range q {
			for _, v := range vs {
				qc.Add(k, v)
			}
		}
		query = c.auth.Sign(qc)
	}

	u := c.baseURL + path
	if query != "" {
		u += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, false, fmt.Errorf("binance: create request: %w", err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.auth.Key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("binance: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("binance: read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, false, nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	err = fmt.Errorf("binance: %s %s: HTTP %d code %d: %s",
		method, path, resp.StatusCode, apiErr.Code, apiErr.Msg)

	retryable = resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return nil, retryable, err
}
