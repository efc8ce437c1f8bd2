// Package auth implements the Google OAuth flows used to obtain and renew the
// tokens stored for each account.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
)

const (
	DefaultAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	DefaultTokenURL    = "https://oauth2.googleapis.com/token"
	DefaultUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

	maxOAuthResponseBytes = 1 << 20
	requestTimeout        = 30 * time.Second
)

// DefaultScopes are the scopes the language server expects an account token
// to carry.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

var ErrClientNotConfigured = errors.New("oauth client id is not configured")

type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.AuthURL) == "" {
		c.AuthURL = DefaultAuthURL
	}
	if strings.TrimSpace(c.TokenURL) == "" {
		c.TokenURL = DefaultTokenURL
	}
	if strings.TrimSpace(c.UserInfoURL) == "" {
		c.UserInfoURL = DefaultUserInfoURL
	}
	if len(c.Scopes) == 0 {
		c.Scopes = append([]string(nil), DefaultScopes...)
	}
	return c
}

// Client talks to the Google OAuth endpoints.
type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

func WithNow(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg.withDefaults(),
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Config() Config {
	return c.cfg
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (r tokenResponse) token(now time.Time) domain.Token {
	token := domain.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		ExpiresIn:    r.ExpiresIn,
	}.WithExpiry(now)
	token.ExpiresIn = 0
	return token
}

type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// OAuthError is a decoded error body from the token endpoint.
type OAuthError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	switch {
	case e.Code == "":
		return fmt.Sprintf("token endpoint returned status %d", e.StatusCode)
	case e.Description != "":
		return fmt.Sprintf("token endpoint returned status %d: %s: %s", e.StatusCode, e.Code, e.Description)
	default:
		return fmt.Sprintf("token endpoint returned status %d: %s", e.StatusCode, e.Code)
	}
}

// Unwrap maps invalid_grant to ErrAuthExpired so callers can ask the user to
// log in again.
func (e *OAuthError) Unwrap() error {
	if e.Code == "invalid_grant" {
		return domain.ErrAuthExpired
	}
	return nil
}

func decodeOAuthError(resp *http.Response) error {
	oauthErr := &OAuthError{StatusCode: resp.StatusCode}
	var body oauthErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxOAuthResponseBytes)).Decode(&body); err == nil {
		oauthErr.Code = body.Error
		oauthErr.Description = body.ErrorDescription
	}
	return oauthErr
}

// postForm sends a form-encoded token request and decodes the token response.
func (c *Client) postForm(ctx context.Context, op string, values url.Values) (tokenResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return tokenResponse{}, fmt.Errorf("%s: %w", op, decodeOAuthError(resp))
	}

	var tokens tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxOAuthResponseBytes)).Decode(&tokens); err != nil {
		return tokenResponse{}, fmt.Errorf("decode %s response: %w", op, err)
	}
	if strings.TrimSpace(tokens.AccessToken) == "" {
		return tokenResponse{}, fmt.Errorf("%s: response missing access_token", op)
	}
	return tokens, nil
}

type UserInfo struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// FetchUserInfo resolves the account email behind an access token.
func (c *Client) FetchUserInfo(ctx context.Context, accessToken string) (UserInfo, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.UserInfoURL, nil)
	if err != nil {
		return UserInfo{}, fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UserInfo{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return UserInfo{}, fmt.Errorf("fetch userinfo: status %d", resp.StatusCode)
	}

	var info UserInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxOAuthResponseBytes)).Decode(&info); err != nil {
		return UserInfo{}, fmt.Errorf("decode userinfo response: %w", err)
	}
	info.Email = strings.TrimSpace(info.Email)
	if info.Email == "" {
		return UserInfo{}, errors.New("userinfo response missing email")
	}
	return info, nil
}
