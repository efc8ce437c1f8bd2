// Package cloudcode talks to the Cloud Code internal API directly. It owns
// the ordered base URL list, retry with backoff and the failover between
// alternate hosts.
package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/klauspost/compress/gzip"
)

const (
	DailyBaseURL        = "https://daily-cloudcode-pa.googleapis.com"
	ProdBaseURL         = "https://cloudcode-pa.googleapis.com"
	DailySandboxBaseURL = "https://daily-cloudcode-pa.sandbox.googleapis.com"

	userAgent           = "antigravity"
	maxResponseBytes    = 8 << 20
	attemptsPerBaseURL  = 2
	backoffBase         = 500 * time.Millisecond
	backoffCap          = 4000 * time.Millisecond
	backoffJitterWindow = 100
	defaultCallTimeout  = 15 * time.Second
)

// DefaultBaseURLs is the initial failover order.
func DefaultBaseURLs() []string {
	return []string{DailyBaseURL, ProdBaseURL, DailySandboxBaseURL}
}

// BaseURLOrder is the shared, mutable failover order. A successful base URL
// is moved to the front; entries are never duplicated.
type BaseURLOrder struct {
	mu   sync.Mutex
	urls []string
}

func NewBaseURLOrder(urls []string) *BaseURLOrder {
	order := &BaseURLOrder{}
	for _, raw := range urls {
		trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
		if trimmed == "" || order.index(trimmed) >= 0 {
			continue
		}
		order.urls = append(order.urls, trimmed)
	}
	if len(order.urls) == 0 {
		order.urls = DefaultBaseURLs()
	}
	return order
}

func (o *BaseURLOrder) Snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]string(nil), o.urls...)
}

func (o *BaseURLOrder) Promote(url string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := o.index(url)
	if idx <= 0 {
		return
	}
	copy(o.urls[1:idx+1], o.urls[:idx])
	o.urls[0] = url
}

func (o *BaseURLOrder) index(url string) int {
	for i, existing := range o.urls {
		if existing == url {
			return i
		}
	}
	return -1
}

// Backoff returns the delay before the given 1-based attempt.
func Backoff(attempt int) time.Duration {
	return backoffWithJitter(attempt, time.Duration(rand.IntN(backoffJitterWindow))*time.Millisecond)
}

func backoffWithJitter(attempt int, jitter time.Duration) time.Duration {
	if attempt < 2 {
		return 0
	}
	shift := attempt - 2
	if shift > 16 {
		shift = 16
	}
	delay := backoffBase*time.Duration(1<<shift) + jitter
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

type Client struct {
	order      *BaseURLOrder
	httpClient *http.Client
	logger     *slog.Logger
	backoff    func(attempt int) time.Duration
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithBackoff(backoff func(attempt int) time.Duration) Option {
	return func(c *Client) { c.backoff = backoff }
}

func NewClient(order *BaseURLOrder, opts ...Option) *Client {
	if order == nil {
		order = NewBaseURLOrder(nil)
	}
	c := &Client{
		order:      order,
		httpClient: &http.Client{},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		backoff:    Backoff,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cloudcode")
	return c
}

func (c *Client) BaseURLs() []string {
	return c.order.Snapshot()
}

// attemptFunc performs one call against baseURL.
type attemptFunc func(ctx context.Context, baseURL string) error

// withFailover runs fn against every base URL in order, retrying retryable
// failures up to attemptsPerBaseURL times each. 401 and 403 stop immediately.
func (c *Client) withFailover(ctx context.Context, op string, fn attemptFunc) error {
	var lastErr error
	for _, baseURL := range c.order.Snapshot() {
	attempts:
		for attempt := 1; attempt <= attemptsPerBaseURL; attempt++ {
			if delay := c.backoff(attempt); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}

			err := fn(ctx, baseURL)
			if err == nil {
				c.order.Promote(baseURL)
				return nil
			}
			lastErr = err

			switch {
			case errors.Is(err, domain.ErrAuthExpired), errors.Is(err, domain.ErrForbidden):
				return err
			case ctx.Err() != nil:
				return ctx.Err()
			case !retryable(err):
				c.logger.Warn("non-retryable failure, trying next base url", "op", op, "base_url", baseURL, "error", err)
				break attempts
			default:
				c.logger.Warn("retryable failure", "op", op, "base_url", baseURL, "attempt", attempt, "error", err)
			}
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no base url configured")
	}
	return lastErr
}

func retryable(err error) bool {
	var httpErr *domain.UpstreamHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	var netErr *domain.NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var protoErr *domain.ProtocolError
	return errors.As(err, &protoErr)
}

// postJSON sends body to baseURL+path and returns the decoded response bytes.
func (c *Client) postJSON(ctx context.Context, baseURL, path, accessToken string, body any, timeout time.Duration) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := baseURL + path
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.NetworkError{Op: "POST", URL: endpoint, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := readBody(resp)
	if err != nil {
		return nil, &domain.NetworkError{Op: "read", URL: endpoint, Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &domain.UpstreamHTTPError{StatusCode: resp.StatusCode, URL: endpoint, Body: string(data)}
	}
	return data, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	}
	return io.ReadAll(io.LimitReader(reader, maxResponseBytes))
}
