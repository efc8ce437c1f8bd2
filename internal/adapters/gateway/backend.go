package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/bnema/ag-wakeup/internal/adapters/langserver"
	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/bnema/ag-wakeup/internal/ports"
)

const (
	ServicePath                 = "/exa.language_server_pb.LanguageServerService"
	StartCascadePath            = ServicePath + "/StartCascade"
	SendUserCascadeMessagePath  = ServicePath + "/SendUserCascadeMessage"
	GetCascadeTrajectoryPath    = ServicePath + "/GetCascadeTrajectory"
	DeleteCascadeTrajectoryPath = ServicePath + "/DeleteCascadeTrajectory"
	PrepareStartContextPath     = "/__internal__/wakeup/prepareStartContext"
)

const (
	BackendOfficialLS = "official_ls"
	BackendDirect     = "direct"
)

// Backend serves the four cascade calls. Bodies are JSON objects and are
// answered with JSON.
type Backend interface {
	StartCascade(ctx context.Context, prepared PreparedStartContext, body []byte) ([]byte, error)
	SendUserCascadeMessage(ctx context.Context, cascadeID string, body []byte) ([]byte, error)
	GetCascadeTrajectory(ctx context.Context, cascadeID string, body []byte) ([]byte, error)
	DeleteCascadeTrajectory(ctx context.Context, cascadeID string, body []byte) ([]byte, error)
	Close()
}

// SessionStarter starts one language server session.
type SessionStarter interface {
	Start(ctx context.Context, req langserver.StartRequest) (*langserver.Session, error)
}

type cascadeSession struct {
	ID        string
	AccountID domain.AccountID
	ls        *langserver.Session
}

// OfficialBackend proxies every cascade to its own language server process.
type OfficialBackend struct {
	starter  SessionStarter
	tokens   ports.TokenSource
	sessions *Registry[*cascadeSession]
	logger   *slog.Logger
}

func NewOfficialBackend(starter SessionStarter, tokens ports.TokenSource, logger *slog.Logger) *OfficialBackend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &OfficialBackend{
		starter:  starter,
		tokens:   tokens,
		sessions: NewRegistry[*cascadeSession](),
		logger:   logger.With("component", "gateway", "backend", BackendOfficialLS),
	}
}

func (b *OfficialBackend) StartCascade(ctx context.Context, prepared PreparedStartContext, body []byte) ([]byte, error) {
	_, token, err := b.tokens.EnsureFreshToken(ctx, prepared.AccountID)
	if err != nil {
		return nil, fmt.Errorf("ensure fresh token: %w", err)
	}

	ls, err := b.starter.Start(ctx, langserver.StartRequest{AccountID: prepared.AccountID, Token: token})
	if err != nil {
		return nil, fmt.Errorf("start language server: %w", err)
	}

	resp, err := ls.PostJSON(ctx, StartCascadePath, body)
	if err != nil {
		ls.Shutdown(context.Background())
		return nil, fmt.Errorf("start cascade: %w", err)
	}

	cascadeID := cascadeIDFrom(resp)
	if cascadeID == "" {
		ls.Shutdown(context.Background())
		return nil, &domain.ProtocolError{Op: "start cascade", Reason: "language server returned no cascadeId"}
	}

	b.sessions.Put(cascadeID, &cascadeSession{ID: cascadeID, AccountID: prepared.AccountID, ls: ls})
	b.logger.Info("cascade started", "cascade_id", cascadeID, "account_id", string(prepared.AccountID))
	return resp, nil
}

func (b *OfficialBackend) SendUserCascadeMessage(ctx context.Context, cascadeID string, body []byte) ([]byte, error) {
	return b.proxy(ctx, cascadeID, SendUserCascadeMessagePath, body)
}

func (b *OfficialBackend) GetCascadeTrajectory(ctx context.Context, cascadeID string, body []byte) ([]byte, error) {
	return b.proxy(ctx, cascadeID, GetCascadeTrajectoryPath, body)
}

// DeleteCascadeTrajectory unregisters first, proxies, then tears the process
// down whether or not the proxy call worked.
func (b *OfficialBackend) DeleteCascadeTrajectory(ctx context.Context, cascadeID string, body []byte) ([]byte, error) {
	session, ok := b.sessions.Remove(cascadeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, cascadeID)
	}

	resp, err := session.ls.PostJSON(ctx, DeleteCascadeTrajectoryPath, body)
	b.logger.Info("tearing down cascade", "cascade_id", cascadeID, "account_id", string(session.AccountID))
	session.ls.Shutdown(context.Background())
	if err != nil {
		return nil, fmt.Errorf("delete cascade: %w", err)
	}
	return resp, nil
}

func (b *OfficialBackend) Close() {
	for _, session := range b.sessions.Drain() {
		session.ls.Shutdown(context.Background())
	}
}

func (b *OfficialBackend) proxy(ctx context.Context, cascadeID, path string, body []byte) ([]byte, error) {
	session, ok := b.sessions.Get(cascadeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, cascadeID)
	}
	return session.ls.PostJSON(ctx, path, body)
}

func cascadeIDFrom(body []byte) string {
	var resp struct {
		CascadeID string `json:"cascadeId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	return strings.TrimSpace(resp.CascadeID)
}
