package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type AuthMethod string

const (
	AuthMethodGoogleOAuth AuthMethod = "google_oauth"
	AuthMethodManual      AuthMethod = "manual"
)

type Auth struct {
	Method AuthMethod
	// SecretRef points to a secret-store entry, typically "agw/<account>/oauth_tokens".
	SecretRef string
}

// Token is the OAuth material stored for one account.
type Token struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	TokenType       string `json:"token_type,omitempty"`
	ExpiresIn       int64  `json:"expires_in,omitempty"`
	ExpiryTimestamp int64  `json:"expiry_timestamp,omitempty"`
	ProjectID       string `json:"project_id,omitempty"`
	IsGCPToS        bool   `json:"is_gcp_tos,omitempty"`
}

func (t Token) ExpiresAt() time.Time {
	if t.ExpiryTimestamp <= 0 {
		return time.Time{}
	}
	return time.Unix(t.ExpiryTimestamp, 0).UTC()
}

// NeedsRefresh reports whether the access token is missing or expires within skew.
func (t Token) NeedsRefresh(now time.Time, skew time.Duration) bool {
	if strings.TrimSpace(t.AccessToken) == "" {
		return true
	}
	expiresAt := t.ExpiresAt()
	if expiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(expiresAt)
}

// WithExpiry fills ExpiryTimestamp from ExpiresIn relative to now.
func (t Token) WithExpiry(now time.Time) Token {
	if t.ExpiresIn > 0 {
		t.ExpiryTimestamp = now.Add(time.Duration(t.ExpiresIn) * time.Second).Unix()
	}
	return t
}

func EncodeToken(token Token) (string, error) {
	if strings.TrimSpace(token.AccessToken) == "" && strings.TrimSpace(token.RefreshToken) == "" {
		return "", errors.New("token requires an access or refresh token")
	}
	data, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return string(data), nil
}

func DecodeToken(raw string) (Token, error) {
	var token Token
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return Token{}, fmt.Errorf("decode token: %w", err)
	}
	return token, nil
}
