package eventsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/misterballzach/chattyplus-eventsub/internal/httpkit"
)

// SubscriptionInfo describes one subscription as reported by
// get_subscriptions.
type SubscriptionInfo struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Cost      int    `json:"cost"`
	SessionID string `json:"session_id"`
}

// CreateSubscriptionResponse is the subset of the create_subscription
// response the Manager needs: the server-assigned subscription id.
type CreateSubscriptionResponse struct {
	ID string
}

// APIClient is the abstract upstream REST API collaborator:
// consumed, never implemented by this package beyond the concrete
// httpAPIClient adapter below. Every method is asynchronous via
// callback so the Session mailbox never blocks on network I/O.
type APIClient interface {
	WaitForID(ctx context.Context, login string, cb func(id string, ok bool))
	GetSubscriptions(ctx context.Context, cb func([]SubscriptionInfo, error))
	DeleteSubscription(ctx context.Context, id string, cb func(error))
	CreateSubscription(ctx context.Context, body CreateSubscriptionRequest, cb func(CreateSubscriptionResponse, error))
}

// rateLimiter throttles outbound create/delete/lookup calls to
// RequestsPerSecond, queuing callers rather than dropping them: every
// create/delete must eventually happen, so over-limit callers wait for
// the next refill tick instead.
type rateLimiter struct {
	tokens   atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	waiters []chan struct{}
}

func newRateLimiter(perSecond float64, logger *slog.Logger) *rateLimiter {
	limit := int64(perSecond)
	if limit < 1 {
		limit = 1
	}
	r := &rateLimiter{limit: limit, interval: time.Second, logger: logger}
	r.tokens.Store(limit)
	return r
}

func (r *rateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tokens.Store(r.limit)
			r.mu.Lock()
			waiters := r.waiters
			r.waiters = nil
			r.mu.Unlock()
			for _, w := range waiters {
				close(w)
			}
		}
	}
}

// wait blocks until a token is available or ctx is cancelled.
func (r *rateLimiter) wait(ctx context.Context) error {
	for {
		if r.tokens.Add(-1) >= 0 {
			return nil
		}
		r.tokens.Add(1)

		ch := make(chan struct{})
		r.mu.Lock()
		r.waiters = append(r.waiters, ch)
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// httpAPIClient is the concrete APIClient over the upstream REST API,
// built on httpkit's shared transport with HTTP/2 configured.
type httpAPIClient struct {
	baseURL string
	token   atomic.Value // string
	client  *http.Client
	limiter *rateLimiter
	logger  *slog.Logger
}

// NewAPIClient builds an httpAPIClient. requestsPerSecond throttles
// outbound calls; callers should run a background goroutine calling
// Run(ctx) once to drive the rate limiter's ticker.
func NewAPIClient(baseURL, token string, requestsPerSecond float64, logger *slog.Logger) *httpAPIClient {
	if logger == nil {
		logger = slog.Default()
	}
	c := &httpAPIClient{
		baseURL: baseURL,
		client:  httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		limiter: newRateLimiter(requestsPerSecond, logger),
		logger:  logger,
	}
	c.token.Store(token)
	return c
}

// Run drives the rate limiter's periodic reset. Blocks until ctx is
// cancelled; call in its own goroutine.
func (c *httpAPIClient) Run(ctx context.Context) {
	c.limiter.start(ctx)
}

// SetToken updates the bearer token used on subsequent calls.
// Existing subscriptions are not re-created.
func (c *httpAPIClient) SetToken(token string) {
	c.token.Store(token)
}

func (c *httpAPIClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token.Load().(string))
	req.Header.Set("X-Request-Id", uuid.NewString())
	return req, nil
}

func (c *httpAPIClient) WaitForID(ctx context.Context, login string, cb func(id string, ok bool)) {
	go func() {
		if err := c.limiter.wait(ctx); err != nil {
			cb("", false)
			return
		}
		req, err := c.newRequest(ctx, http.MethodGet, "/users?login="+login, nil)
		if err != nil {
			cb("", false)
			return
		}
		resp, err := c.client.Do(req)
		if err != nil {
			c.logger.Warn("eventsub: id lookup failed", "login", login, "error", err)
			cb("", false)
			return
		}
		defer httpkit.DrainAndClose(resp.Body, 4096)

		var out struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if resp.StatusCode == http.StatusOK {
			if err := json.NewDecoder(resp.Body).Decode(&out); err == nil && len(out.Data) > 0 {
				cb(out.Data[0].ID, true)
				return
			}
		}
		cb("", false)
	}()
}

func (c *httpAPIClient) GetSubscriptions(ctx context.Context, cb func([]SubscriptionInfo, error)) {
	go func() {
		if err := c.limiter.wait(ctx); err != nil {
			cb(nil, err)
			return
		}
		req, err := c.newRequest(ctx, http.MethodGet, "/eventsub/subscriptions", nil)
		if err != nil {
			cb(nil, err)
			return
		}
		resp, err := c.client.Do(req)
		if err != nil {
			cb(nil, err)
			return
		}
		defer httpkit.DrainAndClose(resp.Body, 1<<20)

		if resp.StatusCode != http.StatusOK {
			cb(nil, fmt.Errorf("get_subscriptions: unexpected status %d", resp.StatusCode))
			return
		}
		var out struct {
			Data []SubscriptionInfo `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			cb(nil, fmt.Errorf("decode get_subscriptions response: %w", err))
			return
		}
		cb(out.Data, nil)
	}()
}

func (c *httpAPIClient) DeleteSubscription(ctx context.Context, id string, cb func(error)) {
	go func() {
		if err := c.limiter.wait(ctx); err != nil {
			cb(err)
			return
		}
		req, err := c.newRequest(ctx, http.MethodDelete, "/eventsub/subscriptions?id="+id, nil)
		if err != nil {
			cb(err)
			return
		}
		resp, err := c.client.Do(req)
		if err != nil {
			cb(err)
			return
		}
		defer httpkit.DrainAndClose(resp.Body, 4096)

		if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
			cb(fmt.Errorf("delete_subscription: unexpected status %d", resp.StatusCode))
			return
		}
		cb(nil)
	}()
}

func (c *httpAPIClient) CreateSubscription(ctx context.Context, body CreateSubscriptionRequest, cb func(CreateSubscriptionResponse, error)) {
	go func() {
		if err := c.limiter.wait(ctx); err != nil {
			cb(CreateSubscriptionResponse{}, err)
			return
		}
		req, err := c.newRequest(ctx, http.MethodPost, "/eventsub/subscriptions", body)
		if err != nil {
			cb(CreateSubscriptionResponse{}, err)
			return
		}
		resp, err := c.client.Do(req)
		if err != nil {
			cb(CreateSubscriptionResponse{}, err)
			return
		}
		defer httpkit.DrainAndClose(resp.Body, 1<<16)

		if resp.StatusCode == http.StatusTooManyRequests {
			cb(CreateSubscriptionResponse{}, ErrRateLimited)
			return
		}
		if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
			detail := httpkit.ReadErrorBody(resp.Body, 2048)
			cb(CreateSubscriptionResponse{}, fmt.Errorf("create_subscription: unexpected status %d: %s", resp.StatusCode, detail))
			return
		}
		var out struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			cb(CreateSubscriptionResponse{}, fmt.Errorf("decode create_subscription response: %w", err))
			return
		}
		if len(out.Data) == 0 {
			cb(CreateSubscriptionResponse{}, fmt.Errorf("create_subscription: empty data"))
			return
		}
		cb(CreateSubscriptionResponse{ID: out.Data[0].ID}, nil)
	}()
}
