// Package gateway is the typed call surface to the remote carbon market API.
// It shapes requests and maps failures onto the carbon error taxonomy but holds
// no business rules of its own.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ecotrade.org/internal/audit"
	"ecotrade.org/internal/carbon"
	"ecotrade.org/internal/ids"
	"ecotrade.org/internal/obs"
)

const maxBodyBytes = 1 << 20

// TokenSource supplies the bearer token for authenticated calls. Token must
// fail without touching the network when no valid session exists.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(ctx context.Context, token string)
}

// Client talks to one API base URL. Safe for concurrent use.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter

	mu     sync.RWMutex
	tokens TokenSource
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its transport is still
// wrapped with metrics.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds every request end to end.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests with a token bucket. perSec <= 0
// disables limiting.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *Client) {
		if perSec <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

// WithTokenSource binds the session at construction time.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// New builds a client for baseURL, e.g. "http://localhost:5000".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
	for _, opt := range opts {
		opt(c)
	}
	hc := *c.http
	hc.Transport = obs.InstrumentTransport(hc.Transport)
	c.http = &hc
	return c
}

// Bind attaches the token source used by authenticated calls. The session
// store binds itself here after both are constructed.
func (c *Client) Bind(ts TokenSource) {
	c.mu.Lock()
	c.tokens = ts
	c.mu.Unlock()
}

func (c *Client) tokenSource() TokenSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

type call struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
	authed bool
	// login marks credential checks, where 401 means bad credentials rather
	// than a dead session.
	login bool
	// signup marks account creation, where every rejection is a problem with
	// the submitted details.
	signup bool
}

func (c *Client) do(ctx context.Context, cl call, out any) error {
	var token string
	var ts TokenSource
	if cl.authed {
		ts = c.tokenSource()
		if ts == nil {
			return carbon.SessionExpired(cl.op)
		}
		t, err := ts.Token(ctx)
		if err != nil {
			return err
		}
		token = t
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &carbon.Error{Kind: carbon.ErrNetwork, Op: cl.op, Message: "request cancelled", Err: err}
		}
	}

	var body io.Reader
	if cl.body != nil {
		raw, err := json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", cl.op, err)
		}
		body = bytes.NewReader(raw)
	}

	target := c.base + cl.path
	if len(cl.query) > 0 {
		target += "?" + cl.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, target, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", cl.op, err)
	}
	requestID := audit.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = ids.RequestID()
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		mapped := &carbon.Error{Kind: carbon.ErrNetwork, Op: cl.op, Message: "service unreachable", Err: err}
		obs.LogRequest(cl.method, cl.path, 0, time.Since(start), requestID, mapped)
		return mapped
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		mapped := &carbon.Error{Kind: carbon.ErrNetwork, Op: cl.op, Message: "response interrupted", Status: resp.StatusCode, Err: err}
		obs.LogRequest(cl.method, cl.path, resp.StatusCode, time.Since(start), requestID, mapped)
		return mapped
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		mapped := mapStatus(cl, resp.StatusCode, raw)
		obs.LogRequest(cl.method, cl.path, resp.StatusCode, time.Since(start), requestID, mapped)
		if errors.Is(mapped, carbon.ErrSessionExpired) && ts != nil {
			ts.Invalidate(ctx, token)
		}
		return mapped
	}
	obs.LogRequest(cl.method, cl.path, resp.StatusCode, time.Since(start), requestID, nil)

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &carbon.Error{Kind: carbon.ErrService, Op: cl.op, Message: "malformed response", Status: resp.StatusCode, Err: err}
	}
	return nil
}
