// Package github is the code-host GraphQL client: one HTTP endpoint,
// per-request timeouts, bounded retry with exponential backoff, and
// rate-limit aware sleeping. High-level board operations live in
// board.go.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEndpoint = "https://api.github.com/graphql"
	requestTimeout  = 30 * time.Second
	maxRetries      = 3
)

// backoffSchedule is the delay before retry attempt n+1.
var backoffSchedule = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// transientError marks failures worth retrying: network errors and 5xx.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// rateLimitError carries the reset time advertised by the host.
type rateLimitError struct {
	reset time.Time
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited until %s", e.reset.Format(time.RFC3339))
}

// Client is a GraphQL client for the code host.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	logger   *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error // test hook
	now   func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the GraphQL endpoint (tests, GHE).
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a client authenticated with token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		endpoint: defaultEndpoint,
		token:    token,
		http:     &http.Client{Timeout: requestTimeout},
		logger:   slog.Default(),
		sleep:    sleepCtx,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// Do executes a GraphQL request, retrying transient failures up to 3
// times with 2s/4s/8s backoff. Rate limiting (HTTP 429 or
// X-RateLimit-Remaining: 0) sleeps until the advertised reset plus one
// second before retrying. Non-429 4xx responses and GraphQL errors
// fail fast. On success the response data is unmarshalled into out.
func (c *Client) Do(ctx context.Context, query string, variables map[string]any, out any) error {
	for attempt := 0; ; attempt++ {
		err := c.doOnce(ctx, query, variables, out)
		if err == nil {
			return nil
		}
		if attempt >= maxRetries {
			return fmt.Errorf("after %d attempts: %w", attempt+1, err)
		}

		var rateLimited *rateLimitError
		var transient *transientError
		switch {
		case errors.As(err, &rateLimited):
			wait := rateLimited.reset.Add(time.Second).Sub(c.now())
			if wait < 0 {
				wait = time.Second
			}
			c.logger.Warn("Rate limited, sleeping until reset", "wait", wait, "attempt", attempt+1)
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
		case errors.As(err, &transient):
			delay := backoffSchedule[attempt]
			c.logger.Warn("Transient GraphQL failure, backing off", "delay", delay, "attempt", attempt+1, "error", err)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

func (c *Client) doOnce(ctx context.Context, query string, variables map[string]any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, err := json.Marshal(gqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &transientError{fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.Header.Get("X-RateLimit-Remaining") == "0" {
		return &rateLimitError{reset: parseReset(resp.Header.Get("X-RateLimit-Reset"), c.now())}
	}
	if resp.StatusCode >= 500 {
		return &transientError{fmt.Errorf("server error: HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var gql gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gql); err != nil {
		return &transientError{fmt.Errorf("decode response: %w", err)}
	}
	if len(gql.Errors) > 0 {
		messages := make([]string, len(gql.Errors))
		for i, e := range gql.Errors {
			messages[i] = e.Message
		}
		return fmt.Errorf("graphql: %s", strings.Join(messages, "; "))
	}
	if out != nil {
		if err := json.Unmarshal(gql.Data, out); err != nil {
			return fmt.Errorf("unmarshal data: %w", err)
		}
	}
	return nil
}

// parseReset converts the X-RateLimit-Reset epoch header. A missing or
// malformed header falls back to a short delay from now.
func parseReset(header string, now time.Time) time.Time {
	epoch, err := strconv.ParseInt(header, 10, 64)
	if err != nil || epoch <= 0 {
		return now.Add(time.Second)
	}
	return time.Unix(epoch, 0)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
