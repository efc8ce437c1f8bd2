package auth

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/bnema/ag-wakeup/internal/ports"
)

var _ ports.TokenRefresher = (*Client)(nil)

// Refresh runs the refresh_token grant. Google usually omits a new refresh
// token, so the caller keeps the old one when RefreshToken comes back empty.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (domain.Token, error) {
	if strings.TrimSpace(c.cfg.ClientID) == "" {
		return domain.Token{}, ErrClientNotConfigured
	}
	if strings.TrimSpace(refreshToken) == "" {
		return domain.Token{}, errors.Join(errors.New("refresh token is required"), domain.ErrAuthExpired)
	}

	values := url.Values{}
	values.Set("grant_type", "refresh_token")
	values.Set("refresh_token", refreshToken)
	values.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecret != "" {
		values.Set("client_secret", c.cfg.ClientSecret)
	}

	tokens, err := c.postForm(ctx, "refresh token", values)
	if err != nil {
		return domain.Token{}, err
	}
	return tokens.token(c.now()), nil
}
