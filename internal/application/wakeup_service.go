package application

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/bnema/ag-wakeup/internal/ports"
)

// ProjectRecorder persists a project id discovered during a legacy call.
type ProjectRecorder interface {
	UpdateProjectID(ctx context.Context, id domain.AccountID, projectID string) error
}

// WakeupService routes each wakeup to the gateway bridge or the legacy
// upstream client. The mode is read on every call.
type WakeupService struct {
	tokens    ports.TokenSource
	projects  ProjectRecorder
	legacy    ports.LegacyClient
	gateway   ports.Waker
	mode      func() domain.TransportMode
	preflight func() error
	logger    *slog.Logger
}

type WakeupOption func(*WakeupService)

// WithGatewayWaker sets the bridge used in gateway mode.
func WithGatewayWaker(waker ports.Waker) WakeupOption {
	return func(s *WakeupService) { s.gateway = waker }
}

// WithTransportMode sets the per-call mode lookup. The default is gateway.
func WithTransportMode(mode func() domain.TransportMode) WakeupOption {
	return func(s *WakeupService) { s.mode = mode }
}

// WithGatewayPreflight runs check before any gateway network I/O.
func WithGatewayPreflight(check func() error) WakeupOption {
	return func(s *WakeupService) { s.preflight = check }
}

func WithWakeupLogger(logger *slog.Logger) WakeupOption {
	return func(s *WakeupService) { s.logger = logger }
}

func NewWakeupService(tokens ports.TokenSource, projects ProjectRecorder, legacy ports.LegacyClient, opts ...WakeupOption) *WakeupService {
	s := &WakeupService{
		tokens:   tokens,
		projects: projects,
		legacy:   legacy,
		mode:     func() domain.TransportMode { return domain.TransportGateway },
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "wakeup")
	return s
}

// Wakeup performs one heartbeat on the transport selected for this call.
func (s *WakeupService) Wakeup(ctx context.Context, req domain.WakeupRequest) (domain.WakeupResponse, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.Model = strings.TrimSpace(req.Model)
	if req.AccountID == "" {
		return domain.WakeupResponse{}, domain.ErrNoAccountsSelected
	}

	mode := s.mode()
	s.logger.Debug("wakeup", "account_id", string(req.AccountID), "transport", string(mode), "model", req.Model)
	if mode == domain.TransportLegacy || s.gateway == nil {
		return s.WakeupLegacy(ctx, req)
	}

	if s.preflight != nil {
		if err := s.preflight(); err != nil {
			return domain.WakeupResponse{}, err
		}
	}
	return s.gateway.Wakeup(ctx, req)
}

// WakeupLegacy bypasses the router and always uses the upstream client.
func (s *WakeupService) WakeupLegacy(ctx context.Context, req domain.WakeupRequest) (domain.WakeupResponse, error) {
	started := time.Now()
	account, token, err := s.tokens.EnsureFreshToken(ctx, req.AccountID)
	if err != nil {
		return domain.WakeupResponse{}, err
	}

	known := token.ProjectID
	if known == "" {
		known = account.Metadata.ProjectID
	}
	projectID, discovered := s.legacy.ResolveProjectID(ctx, token.AccessToken, known)
	if discovered && s.projects != nil {
		if err := s.projects.UpdateProjectID(ctx, req.AccountID, projectID); err != nil {
			s.logger.Warn("persist project id failed", "account_id", string(req.AccountID), "error", err)
		}
	}

	resp, err := s.legacy.GenerateContent(ctx, token.AccessToken, projectID, req)
	if err != nil {
		return domain.WakeupResponse{}, fmt.Errorf("legacy wakeup %s: %w", account.Label(), err)
	}
	if resp.Duration == 0 {
		resp.Duration = time.Since(started)
	}
	return resp, nil
}

// Legacy exposes WakeupLegacy as a ports.Waker for the direct gateway backend.
func (s *WakeupService) Legacy() ports.Waker {
	return legacyWaker{s}
}

type legacyWaker struct {
	s *WakeupService
}

func (w legacyWaker) Wakeup(ctx context.Context, req domain.WakeupRequest) (domain.WakeupResponse, error) {
	return w.s.WakeupLegacy(ctx, req)
}
