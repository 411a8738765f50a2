// Package githubapi is the worker's HTTP client for the host (GitHub REST)
// API. Every public method classifies its result into an Outcome so callers
// (the scheduler, claim protocol, maintenance engine) can branch on failure
// kind without parsing status codes themselves.
package githubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Outcome classifies the result of a single API call.
type Outcome int

const (
	OK Outcome = iota
	RetriableTransient
	RateLimited
	NotFound
	Other4xx
	Server5xx
)

// ErrRateLimited is returned (without attempting a request) while the
// process-wide secondary-rate-limit cooldown is active.
var ErrRateLimited = errors.New("githubapi: rate limit cooldown active")

const secondaryRateLimitCooldown = 10 * time.Minute

// TokenSource supplies the bearer token used on every request. Satisfied by
// *identity.Cache; kept as an interface here so the client can be unit
// tested without a real signing key.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client is the worker's host API client, bound to one owner/repo.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	owner      string
	repo       string
	baseURL    string

	rateLimitDeadline time.Time
}

// Config configures a Client.
type Config struct {
	Owner   string
	Repo    string
	BaseURL string // defaults to https://api.github.com
}

// New builds a Client. tokens supplies a fresh installation token per
// request (the client never caches one of its own).
func New(cfg Config, tokens TokenSource) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.github.com"
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		owner:      cfg.Owner,
		repo:       cfg.Repo,
		baseURL:    strings.TrimRight(base, "/"),
	}
}

func (c *Client) repoPath(suffix string) string {
	return fmt.Sprintf("%s/repos/%s/%s%s", c.baseURL, c.owner, c.repo, suffix)
}

// RateLimitDeadline returns the process-wide secondary-rate-limit cooldown
// deadline, or the zero Value if none is active. The Phase Scheduler reads
// this directly so it can sleep out the cooldown instead of busy-looping
// through calls that `do` would short-circuit anyway.
func (c *Client) RateLimitDeadline() time.Time {
	return c.rateLimitDeadline
}

// stepBackoff returns 1s, 2s, 3s then stops, matching the worker's
// documented retry policy for transient host failures.
type stepBackoff struct{ n int }

func (s *stepBackoff) Reset() { s.n = 0 }

func (s *stepBackoff) NextBackOff() time.Duration {
	s.n++
	switch {
	case s.n > 3:
		return backoff.Stop
	default:
		return time.Duration(s.n) * time.Second
	}
}

// do executes one HTTP request, retrying transient failures per
// stepBackoff, and returns the classified Outcome alongside the raw
// response body bytes of the last response (nil when no response was
// read, on a secondary rate limit, or while a cooldown is active) and
// any hard error.
func (c *Client) do(ctx context.Context, method, url string, body any) (Outcome, []byte, error) {
	if !c.rateLimitDeadline.IsZero() && time.Now().Before(c.rateLimitDeadline) {
		return RateLimited, nil, ErrRateLimited
	}

	var reqBody []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Other4xx, nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reqBody = b
	}

	var (
		outcome  Outcome
		respBody []byte
	)

	op := func() error {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("obtaining token: %w", err))
		}

		var reader io.Reader
		if reqBody != nil {
			reader = bytes.NewReader(reqBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/vnd.github+json")
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			outcome = RetriableTransient
			return err
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			outcome, respBody = OK, data
			return nil
		case resp.StatusCode == http.StatusNotFound:
			outcome, respBody = NotFound, data
			return nil
		case resp.StatusCode == http.StatusForbidden && isSecondaryRateLimit(data):
			c.rateLimitDeadline = time.Now().Add(secondaryRateLimitCooldown)
			outcome = RateLimited
			return backoff.Permanent(ErrRateLimited)
		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
			outcome, respBody = RateLimited, data
			return fmt.Errorf("rate limited: status %d", resp.StatusCode)
		case resp.StatusCode >= 500:
			outcome, respBody = Server5xx, data
			return fmt.Errorf("server error: status %d", resp.StatusCode)
		default:
			outcome, respBody = Other4xx, data
			return backoff.Permanent(fmt.Errorf("request failed: status %d: %s", resp.StatusCode, string(data)))
		}
	}

	err := backoff.Retry(op, backoff.WithContext(&stepBackoff{}, ctx))
	if err != nil && !errors.Is(err, ErrRateLimited) && outcome != RateLimited {
		return outcome, respBody, err
	}
	if errors.Is(err, ErrRateLimited) {
		return RateLimited, nil, ErrRateLimited
	}
	return outcome, respBody, nil
}

func isSecondaryRateLimit(body []byte) bool {
	return bytes.Contains(body, []byte("You have exceeded a secondary rate limit"))
}
