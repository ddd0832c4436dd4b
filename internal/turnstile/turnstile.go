// Package turnstile calls Cloudflare's Turnstile siteverify API.
package turnstile

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

	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultEndpoint is Cloudflare's siteverify URL.
const DefaultEndpoint = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

const maxResponseBytes = 64 << 10

// Response is the siteverify result.
type Response struct {
	Success     bool     `json:"success"`
	ErrorCodes  []string `json:"error-codes"`
	ChallengeTS string   `json:"challenge_ts,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	Action      string   `json:"action,omitempty"`
	CData       string   `json:"cdata,omitempty"`
}

// Options configures a Client.
type Options struct {
	Endpoint string        // defaults to DefaultEndpoint
	RetryMax int           // retries on transport errors and 5xx; defaults to 2
	Timeout  time.Duration // per attempt; defaults to 10s
	Logger   *slog.Logger
}

// Client validates Turnstile tokens.
type Client struct {
	http     *retryablehttp.Client
	endpoint string
}

func New(opts Options) *Client {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient = &http.Client{Timeout: opts.Timeout}
	rc.Logger = nil
	if opts.Logger != nil {
		rc.Logger = opts.Logger.With("component", "turnstile")
	}
	return &Client{http: rc, endpoint: opts.Endpoint}
}

// Validate asks Cloudflare whether token is a solved challenge for secret.
// A non-nil error means the answer could not be obtained; a false Success
// means the challenge was not passed.
func (c *Client) Validate(ctx context.Context, token, secret string) (*Response, error) {
	form := url.Values{}
	form.Set("secret", secret)
	form.Set("response", token)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, []byte(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("turnstile: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if id := middleware.GetReqID(ctx); id != "" {
		req.Header.Set(middleware.RequestIDHeader, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("turnstile: siteverify: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("turnstile: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("turnstile: siteverify status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("turnstile: decode response: %w", err)
	}
	return &out, nil
}
