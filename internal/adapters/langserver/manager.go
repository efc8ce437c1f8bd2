// Package langserver runs the vendor language server as a subprocess and
// performs its startup handshake through a companion callback server.
package langserver

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bnema/ag-wakeup/internal/adapters/wire/protobuf"
	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/google/uuid"
)

const (
	DefaultHandshakeTimeout = 15 * time.Second
	shutdownWait            = 2 * time.Second
	sessionCallTimeout      = 30 * time.Second
)

type State int32

const (
	StateSpawning State = iota
	StateAwaitingCallback
	StateReady
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Manager spawns one language server per session.
type Manager struct {
	cfg              Config
	logger           *slog.Logger
	handshakeTimeout time.Duration
	command          func(name string, args ...string) *exec.Cmd
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(m *Manager) { m.handshakeTimeout = timeout }
}

// WithCommand replaces exec.Command, mainly for tests.
func WithCommand(command func(name string, args ...string) *exec.Cmd) Option {
	return func(m *Manager) { m.command = command }
}

func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:              cfg,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		handshakeTimeout: DefaultHandshakeTimeout,
		command:          exec.Command,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "langserver")
	return m
}

// BinaryPath resolves the vendor binary without spawning anything.
func (m *Manager) BinaryPath() (string, error) {
	return m.cfg.ResolveBinaryPath()
}

type StartRequest struct {
	AccountID domain.AccountID
	Token     domain.Token
}

// Start spawns the binary and blocks until it announces its ports, the
// handshake deadline passes, the process exits, or ctx is done. Any outcome
// other than ready kills the process.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	binary, err := m.BinaryPath()
	if err != nil {
		return nil, err
	}

	topic, err := protobuf.OAuthTopic(protobuf.OAuthInfo{
		AccessToken:  req.Token.AccessToken,
		TokenType:    req.Token.TokenType,
		RefreshToken: req.Token.RefreshToken,
		Expiry:       req.Token.ExpiresAt(),
	})
	if err != nil {
		return nil, fmt.Errorf("build oauth topic: %w", err)
	}

	logger := m.logger.With("account_id", string(req.AccountID))
	s := &Session{
		AccountID: req.AccountID,
		CSRFToken: uuid.NewString(),
		logger:    logger,
		exited:    make(chan struct{}),
	}
	s.state.Store(int32(StateSpawning))

	s.companion, err = startCompanion(topic, logger)
	if err != nil {
		return nil, &domain.SubprocessError{Stage: domain.SubprocessStageSpawn, Err: err}
	}

	cmd := m.command(binary,
		"--enable_lsp",
		"--random_port",
		"--csrf_token", s.CSRFToken,
		"--extension_server_port", strconv.Itoa(s.companion.Port()),
		"--extension_server_csrf_token", s.companion.csrf,
		"--cloud_code_endpoint", CloudCodeEndpoint(req.Token),
		"--app_data_dir", AppDataDir(req.AccountID),
	)
	cmd.Stdin = bytes.NewReader(m.cfg.Metadata().Marshal())
	cmd.Stdout = newLogWriter(logger, "stdout")
	cmd.Stderr = newLogWriter(logger, "stderr")
	cmd.WaitDelay = shutdownWait

	if err := cmd.Start(); err != nil {
		s.companion.Close()
		return nil, &domain.SubprocessError{Stage: domain.SubprocessStageSpawn, Err: err}
	}
	s.cmd = cmd
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	s.state.Store(int32(StateAwaitingCallback))
	logger.Info("language server spawned, awaiting callback", "pid", cmd.Process.Pid)

	timer := time.NewTimer(m.handshakeTimeout)
	defer timer.Stop()

	var failure error
	select {
	case started := <-s.companion.Started():
		s.Ports = started
		s.BaseURL = "https://127.0.0.1:" + strconv.FormatUint(uint64(started.HTTPSPort), 10)
		s.client = &http.Client{
			Timeout: sessionCallTimeout,
			// The subprocess serves a self-signed certificate.
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		}
		s.state.Store(int32(StateReady))
		logger.Info("language server ready",
			"https_port", started.HTTPSPort,
			"http_port", started.HTTPPort,
			"lsp_port", started.LSPPort,
		)
		return s, nil
	case <-timer.C:
		failure = &domain.SubprocessError{Stage: domain.SubprocessStageHandshakeTimeout, Err: fmt.Errorf("no LanguageServerStarted within %s", m.handshakeTimeout)}
	case <-s.exited:
		failure = &domain.SubprocessError{Stage: domain.SubprocessStageUnexpectedExit, Err: s.waitErr}
	case <-ctx.Done():
		failure = ctx.Err()
	}

	s.Shutdown(context.Background())
	return nil, failure
}

// Session is one running language server.
type Session struct {
	AccountID domain.AccountID
	CSRFToken string
	BaseURL   string
	Ports     protobuf.LanguageServerStarted

	logger    *slog.Logger
	state     atomic.Int32
	companion *companion
	cmd       *exec.Cmd
	client    *http.Client

	exited  chan struct{}
	waitErr error

	shutdownOnce sync.Once
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Exited is closed once the subprocess has been reaped.
func (s *Session) Exited() <-chan struct{} {
	return s.exited
}

// PostJSON sends a JSON body to the language server and returns the raw
// JSON answer.
func (s *Session) PostJSON(ctx context.Context, path string, body []byte) ([]byte, error) {
	if s.State() != StateReady {
		return nil, fmt.Errorf("language server session is %s", s.State())
	}

	endpoint := s.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(csrfHeader, s.CSRFToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &domain.NetworkError{Op: "POST", URL: endpoint, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCompanionBodyBytes*8))
	if err != nil {
		return nil, &domain.NetworkError{Op: "read", URL: endpoint, Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &domain.UpstreamHTTPError{StatusCode: resp.StatusCode, URL: endpoint, Body: string(data)}
	}
	return data, nil
}

// Shutdown releases held streams, stops the companion server, kills the
// process and waits briefly for it. Safe to call more than once.
func (s *Session) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.state.Store(int32(StateShuttingDown))
		s.companion.Close()

		if s.cmd != nil && s.cmd.Process != nil {
			if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.logger.Warn("kill language server", "error", err)
			}
			timer := time.NewTimer(shutdownWait)
			defer timer.Stop()
			select {
			case <-s.exited:
			case <-timer.C:
				s.logger.Warn("language server did not exit in time")
			case <-ctx.Done():
			}
		}
		if s.client != nil {
			s.client.CloseIdleConnections()
		}
		s.state.Store(int32(StateClosed))
	})
}
