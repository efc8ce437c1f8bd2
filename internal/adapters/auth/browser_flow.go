package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
)

const (
	PKCEChallengeMethodS256 = "S256"
	CallbackPath            = "/oauth-callback"
	DefaultLoginTimeout     = 5 * time.Minute
)

var (
	ErrStateMismatch   = errors.New("oauth callback state mismatch")
	ErrCallbackTimeout = errors.New("timed out waiting for oauth callback")
	ErrMissingState    = errors.New("expected state is required")
)

type PKCEPair struct {
	Verifier  string
	Challenge string
}

func NewPKCEPair() (PKCEPair, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return PKCEPair{}, err
	}

	verifier := base64.RawURLEncoding.EncodeToString(raw)
	return PKCEPair{Verifier: verifier, Challenge: challengeFor(verifier)}, nil
}

func challengeFor(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

func NewState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// AuthorizationURL builds the consent URL. access_type=offline together with
// prompt=consent makes Google return a refresh token on every login.
func (c *Client) AuthorizationURL(redirectURI, state, challenge string) (string, error) {
	switch {
	case strings.TrimSpace(c.cfg.ClientID) == "":
		return "", ErrClientNotConfigured
	case redirectURI == "":
		return "", errors.New("redirect uri is required")
	case state == "":
		return "", ErrMissingState
	case challenge == "":
		return "", errors.New("code challenge is required")
	}

	parsed, err := url.Parse(c.cfg.AuthURL)
	if err != nil {
		return "", fmt.Errorf("parse auth url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("auth url must use http or https")
	}
	if parsed.Host == "" {
		return "", errors.New("auth url host is required")
	}

	q := parsed.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(c.cfg.Scopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", PKCEChallengeMethodS256)
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")
	q.Set("include_granted_scopes", "true")
	parsed.RawQuery = q.Encode()

	return parsed.String(), nil
}

// ExchangeCode trades an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (domain.Token, error) {
	switch {
	case strings.TrimSpace(c.cfg.ClientID) == "":
		return domain.Token{}, ErrClientNotConfigured
	case code == "":
		return domain.Token{}, errors.New("authorization code is required")
	case verifier == "":
		return domain.Token{}, errors.New("code verifier is required")
	case redirectURI == "":
		return domain.Token{}, errors.New("redirect uri is required")
	}

	values := url.Values{}
	values.Set("grant_type", "authorization_code")
	values.Set("code", code)
	values.Set("redirect_uri", redirectURI)
	values.Set("client_id", c.cfg.ClientID)
	values.Set("code_verifier", verifier)
	if c.cfg.ClientSecret != "" {
		values.Set("client_secret", c.cfg.ClientSecret)
	}

	tokens, err := c.postForm(ctx, "exchange code", values)
	if err != nil {
		return domain.Token{}, err
	}
	if strings.TrimSpace(tokens.RefreshToken) == "" {
		return domain.Token{}, errors.New("exchange code: response missing refresh_token")
	}
	return tokens.token(c.now()), nil
}

type LoginOptions struct {
	ListenAddr string
	Timeout    time.Duration
	// Open is handed the consent URL; it usually launches a browser and
	// prints the URL as a fallback.
	Open func(authURL string) error
}

type LoginResult struct {
	Token domain.Token
	Email string
	Name  string
}

// LoginBrowser runs the full loopback PKCE flow and returns the new token with
// the account email.
func (c *Client) LoginBrowser(ctx context.Context, opts LoginOptions) (LoginResult, error) {
	if opts.Open == nil {
		return LoginResult{}, errors.New("login requires an open callback")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultLoginTimeout
	}

	pkce, err := NewPKCEPair()
	if err != nil {
		return LoginResult{}, fmt.Errorf("generate pkce pair: %w", err)
	}
	state, err := NewState()
	if err != nil {
		return LoginResult{}, fmt.Errorf("generate state: %w", err)
	}

	server, err := StartCallbackServer(opts.ListenAddr, state)
	if err != nil {
		return LoginResult{}, err
	}
	defer func() { _ = server.Close() }()

	authURL, err := c.AuthorizationURL(server.RedirectURI(), state, pkce.Challenge)
	if err != nil {
		return LoginResult{}, err
	}
	if err := opts.Open(authURL); err != nil {
		return LoginResult{}, fmt.Errorf("open authorization url: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	code, err := server.Wait(waitCtx)
	if err != nil {
		return LoginResult{}, err
	}

	token, err := c.ExchangeCode(ctx, code, pkce.Verifier, server.RedirectURI())
	if err != nil {
		return LoginResult{}, err
	}
	info, err := c.FetchUserInfo(ctx, token.AccessToken)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, Email: info.Email, Name: info.Name}, nil
}

type CallbackServer struct {
	expectedState string
	listener      net.Listener
	server        *http.Server
	resultCh      chan callbackResult
	resultOnce    sync.Once
	closeOnce     sync.Once
}

type callbackResult struct {
	code string
	err  error
}

func StartCallbackServer(listenAddr string, expectedState string) (*CallbackServer, error) {
	if expectedState == "" {
		return nil, ErrMissingState
	}
	if listenAddr == "" {
		listenAddr = "127.0.0.1:0"
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen callback server: %w", err)
	}

	cb := &CallbackServer{
		expectedState: expectedState,
		listener:      listener,
		resultCh:      make(chan callbackResult, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, cb.handleCallback)

	cb.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if serveErr := cb.server.Serve(cb.listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			cb.trySendResult(callbackResult{err: serveErr})
		}
	}()

	return cb, nil
}

func (c *CallbackServer) RedirectURI() string {
	if tcpAddr, ok := c.listener.Addr().(*net.TCPAddr); ok {
		return fmt.Sprintf("http://localhost:%d%s", tcpAddr.Port, CallbackPath)
	}
	return "http://localhost" + CallbackPath
}

// Wait blocks until the callback delivers a code or ctx ends. A deadline maps
// to ErrCallbackTimeout.
func (c *CallbackServer) Wait(ctx context.Context) (string, error) {
	defer func() { _ = c.Close() }()

	select {
	case result := <-c.resultCh:
		return result.code, result.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrCallbackTimeout
		}
		return "", ctx.Err()
	}
}

func (c *CallbackServer) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		closeErr = c.server.Close()
	})
	return closeErr
}

func (c *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if query.Get("state") != c.expectedState {
		c.trySendResult(callbackResult{err: ErrStateMismatch})
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	if oauthError := query.Get("error"); oauthError != "" {
		if description := query.Get("error_description"); description != "" {
			oauthError += ": " + description
		}
		c.trySendResult(callbackResult{err: fmt.Errorf("authorization denied: %s", oauthError)})
		http.Error(w, "authorization failed", http.StatusBadRequest)
		return
	}
	code := query.Get("code")
	if code == "" {
		c.trySendResult(callbackResult{err: errors.New("missing authorization code")})
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	c.trySendResult(callbackResult{code: code})
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Login complete. You can close this window and return to agw."))
}

func (c *CallbackServer) trySendResult(result callbackResult) {
	c.resultOnce.Do(func() {
		c.resultCh <- result
	})
}
