// Package bridge drives one wakeup exchange through a cascade gateway:
// prepare, start, send, poll, classify and delete.
package bridge

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bnema/ag-wakeup/internal/adapters/gateway"
	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/bnema/ag-wakeup/internal/ports"
	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultPollTimeout  = 60 * time.Second

	requestTimeout   = 30 * time.Second
	maxResponseBytes = 8 << 20
	summaryEvery     = 8
)

// Gateway starts the local gateway on demand.
type Gateway interface {
	EnsureStarted(ctx context.Context) (string, error)
}

type Bridge struct {
	gateway      Gateway
	baseURL      string
	tokens       ports.TokenSource
	models       ModelLister
	logger       *slog.Logger
	pollInterval time.Duration
	pollTimeout  time.Duration
	planModel    int64
	now          func() time.Time

	// startMu keeps prepareStartContext and StartCascade paired.
	startMu sync.Mutex
}

type Option func(*Bridge)

func WithGateway(g Gateway) Option {
	return func(b *Bridge) { b.gateway = g }
}

// WithBaseURL targets an already running gateway instead of the local one.
func WithBaseURL(baseURL string) Option {
	return func(b *Bridge) { b.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/") }
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

func WithPolling(interval, timeout time.Duration) Option {
	return func(b *Bridge) {
		if interval > 0 {
			b.pollInterval = interval
		}
		if timeout > 0 {
			b.pollTimeout = timeout
		}
	}
}

// WithPlanModel adds plannerConfig.planModel when the config lacks one.
func WithPlanModel(planModel int64) Option {
	return func(b *Bridge) { b.planModel = planModel }
}

func New(tokens ports.TokenSource, models ModelLister, opts ...Option) *Bridge {
	b := &Bridge{
		tokens:       tokens,
		models:       models,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		pollInterval: DefaultPollInterval,
		pollTimeout:  DefaultPollTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bridge")
	return b
}

// BaseURL returns the gateway to talk to, starting the local one if no
// override is configured.
func (b *Bridge) BaseURL(ctx context.Context) (string, error) {
	if b.baseURL != "" {
		return normalizeLocalBaseURL(b.baseURL), nil
	}
	if b.gateway == nil {
		return "", errors.New("no gateway configured")
	}
	baseURL, err := b.gateway.EnsureStarted(ctx)
	if err != nil {
		return "", fmt.Errorf("start local gateway: %w", err)
	}
	return normalizeLocalBaseURL(strings.TrimRight(baseURL, "/")), nil
}

func normalizeLocalBaseURL(baseURL string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if rest, ok := strings.CutPrefix(baseURL, scheme+"127.0.0.1:"); ok {
			return scheme + "localhost:" + rest
		}
	}
	return baseURL
}

func isLocal(baseURL string) bool {
	return strings.HasPrefix(baseURL, "https://localhost:") || strings.HasPrefix(baseURL, "https://127.0.0.1:")
}

// Wakeup runs one exchange. The cascade is always deleted afterwards; delete
// failures are only logged.
func (b *Bridge) Wakeup(ctx context.Context, req domain.WakeupRequest) (domain.WakeupResponse, error) {
	started := b.now()
	b.logger.Info("gateway wakeup", "account_id", string(req.AccountID), "model", req.Model, "max_output_tokens", req.MaxOutputTokens, "prompt", truncate(req.Prompt, 60))

	model, err := b.ResolveModel(ctx, req.AccountID, req.Model)
	if err != nil {
		return domain.WakeupResponse{}, err
	}

	baseURL, err := b.BaseURL(ctx)
	if err != nil {
		return domain.WakeupResponse{}, err
	}
	client := newGatewayClient(baseURL)
	defer client.CloseIdleConnections()

	cascadeID, err := b.start(ctx, client, baseURL, req)
	if err != nil {
		return domain.WakeupResponse{}, err
	}
	b.logger.Info("cascade started", "cascade_id", cascadeID)

	reply, err := b.exchange(ctx, client, baseURL, cascadeID, model, req)

	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requestTimeout)
	defer cancel()
	if _, delErr := b.post(deleteCtx, client, baseURL+gateway.DeleteCascadeTrajectoryPath, map[string]any{"cascadeId": cascadeID}); delErr != nil {
		b.logger.Warn("delete cascade failed", "cascade_id", cascadeID, "error", delErr)
	}

	if err != nil {
		b.logger.Error("gateway wakeup failed", "cascade_id", cascadeID, "error", err)
		return domain.WakeupResponse{}, err
	}
	resp := domain.WakeupResponse{Reply: reply, Duration: b.now().Sub(started)}
	b.logger.Info("gateway wakeup succeeded", "cascade_id", cascadeID, "duration", resp.Duration, "reply", truncate(reply, 1000))
	return resp, nil
}

func (b *Bridge) start(ctx context.Context, client *http.Client, baseURL string, req domain.WakeupRequest) (string, error) {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	prepare := map[string]any{
		"accountId":       string(req.AccountID),
		"model":           req.Model,
		"maxOutputTokens": req.MaxOutputTokens,
	}
	if _, err := b.post(ctx, client, baseURL+gateway.PrepareStartContextPath, prepare); err != nil {
		return "", fmt.Errorf("prepareStartContext: %w", err)
	}

	body, err := b.post(ctx, client, baseURL+gateway.StartCascadePath, map[string]any{})
	if err != nil {
		return "", fmt.Errorf("StartCascade: %w", err)
	}
	var resp struct {
		CascadeID string `json:"cascadeId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || strings.TrimSpace(resp.CascadeID) == "" {
		return "", &domain.ProtocolError{Op: "StartCascade", Reason: "response has no cascadeId"}
	}
	return strings.TrimSpace(resp.CascadeID), nil
}

func (b *Bridge) exchange(ctx context.Context, client *http.Client, baseURL, cascadeID string, model int64, req domain.WakeupRequest) (string, error) {
	send := map[string]any{
		"cascadeId":     cascadeID,
		"items":         []any{map[string]any{"text": req.Prompt}},
		"cascadeConfig": NormalizeCascadeConfig(CascadeConfig(model, req.MaxOutputTokens), model, req.MaxOutputTokens, b.planModel),
	}
	if _, err := b.post(ctx, client, baseURL+gateway.SendUserCascadeMessagePath, send); err != nil {
		return "", fmt.Errorf("SendUserCascadeMessage: %w", err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, b.pollTimeout)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(b.pollInterval), 1)
	getBody := map[string]any{"cascadeId": cascadeID}

	var lastStatus, lastSummary string
	var reportedUnrecognized int
	for poll := 0; ; poll++ {
		if err := limiter.Wait(pollCtx); err != nil {
			break
		}
		body, err := b.post(pollCtx, client, baseURL+gateway.GetCascadeTrajectoryPath, getBody)
		if err != nil {
			if pollCtx.Err() != nil {
				break
			}
			return "", fmt.Errorf("GetCascadeTrajectory: %w", err)
		}

		if poll%summaryEvery == 0 {
			if summary := summarizeTrajectory(body); summary != lastSummary {
				b.logger.Info("trajectory poll", "cascade_id", cascadeID, "poll", poll+1, "summary", summary)
				lastSummary = summary
			}
		}

		outcome, err := inspectTrajectory(body)
		if err != nil {
			return "", err
		}
		lastStatus = outcome.status
		for _, raw := range outcome.unrecognized[min(reportedUnrecognized, len(outcome.unrecognized)):] {
			b.logger.Debug("skipping unrecognized trajectory step", "cascade_id", cascadeID, "step", truncate(string(raw), 1000))
		}
		reportedUnrecognized = max(reportedUnrecognized, len(outcome.unrecognized))
		if outcome.reply != "" {
			return outcome.reply, nil
		}
		if outcome.err != nil {
			b.logger.Error("trajectory error", "cascade_id", cascadeID, "status", lastStatus, "error_code", codeAttr(outcome.err.Code),
				"message", outcome.err.Message, "validation_url", outcome.err.ValidationURL, "error_message", truncate(string(outcome.err.ErrorMessageJSON), 4000))
			return "", outcome.err
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if lastStatus == "" {
		return "", errors.New("no plannerResponse in trajectory")
	}
	return "", fmt.Errorf("no wakeup result before timeout, last status=%s", lastStatus)
}

func (b *Bridge) post(ctx context.Context, client *http.Client, url string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.NetworkError{Op: "POST", URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &domain.NetworkError{Op: "read", URL: url, Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &domain.UpstreamHTTPError{StatusCode: resp.StatusCode, URL: url, Body: string(data)}
	}
	if !json.Valid(data) {
		return nil, &domain.ProtocolError{Op: "decode " + url, Reason: "response is not JSON"}
	}
	return data, nil
}

func newGatewayClient(baseURL string) *http.Client {
	transport := &http.Transport{DisableKeepAlives: true}
	if isLocal(baseURL) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport, Timeout: requestTimeout}
}

func codeAttr(code *int64) any {
	if code == nil {
		return "-"
	}
	return *code
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
