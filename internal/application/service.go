package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/bnema/ag-wakeup/internal/ports"
)

// TokenRefreshSkew is how early an access token is refreshed before it expires.
const TokenRefreshSkew = 5 * time.Minute

// TokenSecretKey is the secret-store key holding an account's OAuth tokens.
func TokenSecretKey(id domain.AccountID) string {
	return fmt.Sprintf("agw/%s/oauth_tokens", id)
}

// Service manages accounts and their stored OAuth tokens. It is the
// ports.TokenSource used by every transport.
type Service struct {
	repo      ports.AccountRepository
	store     ports.SecretStore
	refresher ports.TokenRefresher
	clock     ports.Clock
	logger    *slog.Logger
}

func NewService(repo ports.AccountRepository, store ports.SecretStore, refresher ports.TokenRefresher, clock ports.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Service{
		repo:      repo,
		store:     store,
		refresher: refresher,
		clock:     clock,
		logger:    logger.With("component", "accounts"),
	}
}

func (s *Service) AddAccount(ctx context.Context, cmd AddAccountCommand) (domain.Account, error) {
	id := domain.AccountID(strings.TrimSpace(string(cmd.ID)))
	if id == "" {
		return domain.Account{}, errors.New("account id is required")
	}

	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrAccountNotFound) {
			return domain.Account{}, fmt.Errorf("get account by id: %w", err)
		}
		account = domain.Account{ID: id}
	}
	if email := strings.TrimSpace(cmd.Email); email != "" {
		account.Email = email
	}
	if name := strings.TrimSpace(cmd.Name); name != "" {
		account.Name = name
	}
	if cmd.IsGCPToS != nil {
		account.Metadata.IsGCPToS = *cmd.IsGCPToS
	}

	if err := s.repo.Save(ctx, account); err != nil {
		return domain.Account{}, fmt.Errorf("save account: %w", err)
	}
	return account, nil
}

// RemoveAccount deletes the account and, best effort, its stored token.
func (s *Service) RemoveAccount(ctx context.Context, id domain.AccountID) error {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get account by id: %w", err)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if ref := account.Auth.SecretRef; ref != "" {
		if err := s.store.Delete(ctx, ref); err != nil && !errors.Is(err, domain.ErrSecretNotFound) {
			s.logger.Warn("delete token secret failed", "account_id", string(id), "error", err)
		}
	}
	return nil
}

func (s *Service) GetAccount(ctx context.Context, id domain.AccountID) (domain.Account, error) {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return domain.Account{}, fmt.Errorf("get account by id: %w", err)
	}
	return account, nil
}

// ListAccounts returns every account sorted by label.
func (s *Service) ListAccounts(ctx context.Context) ([]AccountSummary, error) {
	accounts, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	out := make([]AccountSummary, 0, len(accounts))
	for _, account := range accounts {
		summary := AccountSummary{Account: account}
		if token, err := s.loadToken(ctx, account); err == nil {
			summary.HasToken = true
			summary.TokenExpiresAt = token.ExpiresAt()
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Account.Label() < out[j].Account.Label()
	})
	return out, nil
}

// SetToken stores token for the account, creating the account when needed.
// A failed account save rolls the secret back.
func (s *Service) SetToken(ctx context.Context, cmd SetTokenCommand) error {
	account, err := s.repo.GetByID(ctx, cmd.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrAccountNotFound) {
			return fmt.Errorf("get account by id: %w", err)
		}
		account = domain.Account{ID: cmd.ID}
	}
	previousRef := account.Auth.SecretRef

	token := cmd.Token.WithExpiry(s.clock.Now())
	token.ExpiresIn = 0
	if token.ProjectID == "" {
		token.ProjectID = account.Metadata.ProjectID
	}
	encoded, err := domain.EncodeToken(token)
	if err != nil {
		return err
	}

	secretKey := TokenSecretKey(cmd.ID)
	if err := s.store.Put(ctx, secretKey, encoded); err != nil {
		return fmt.Errorf("store token secret: %w", err)
	}

	method := cmd.Method
	if method == "" {
		method = domain.AuthMethodManual
	}
	account.Auth = domain.Auth{Method: method, SecretRef: secretKey}
	if email := strings.TrimSpace(cmd.Email); email != "" {
		account.Email = email
	}
	if token.ProjectID != "" {
		account.Metadata.ProjectID = token.ProjectID
	}
	account.Metadata.IsGCPToS = account.Metadata.IsGCPToS || token.IsGCPToS

	if err := s.repo.Save(ctx, account); err != nil {
		if rollbackErr := s.store.Delete(ctx, secretKey); rollbackErr != nil {
			return fmt.Errorf("save account token and rollback stored secret: %w", errors.Join(err, rollbackErr))
		}
		return fmt.Errorf("save account token: %w", err)
	}

	if previousRef != "" && previousRef != secretKey {
		if err := s.store.Delete(ctx, previousRef); err != nil && !errors.Is(err, domain.ErrSecretNotFound) {
			s.logger.Warn("delete previous token secret failed", "account_id", string(cmd.ID), "secret_ref", previousRef, "error", err)
		}
	}
	return nil
}

// RemoveToken clears the account's auth. If the secret delete fails the
// previous auth is restored.
func (s *Service) RemoveToken(ctx context.Context, id domain.AccountID) error {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get account by id: %w", err)
	}
	original := account

	account.Auth = domain.Auth{}
	if err := s.repo.Save(ctx, account); err != nil {
		return fmt.Errorf("save account auth: %w", err)
	}
	if original.Auth.SecretRef == "" {
		return nil
	}

	if err := s.store.Delete(ctx, original.Auth.SecretRef); err != nil && !errors.Is(err, domain.ErrSecretNotFound) {
		if restoreErr := s.repo.Save(ctx, original); restoreErr != nil {
			return fmt.Errorf("delete token secret and restore account: %w", errors.Join(err, restoreErr))
		}
		return fmt.Errorf("delete token secret: %w", err)
	}
	return nil
}

// EnsureFreshToken loads the account's token and refreshes it when it expires
// within TokenRefreshSkew. Persisting a refreshed token is best effort.
func (s *Service) EnsureFreshToken(ctx context.Context, id domain.AccountID) (domain.Account, domain.Token, error) {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return domain.Account{}, domain.Token{}, fmt.Errorf("get account by id: %w", err)
	}
	token, err := s.loadToken(ctx, account)
	if err != nil {
		return domain.Account{}, domain.Token{}, err
	}
	if token.ProjectID == "" {
		token.ProjectID = account.Metadata.ProjectID
	}
	token.IsGCPToS = token.IsGCPToS || account.Metadata.IsGCPToS

	now := s.clock.Now()
	if !token.NeedsRefresh(now, TokenRefreshSkew) {
		return account, token, nil
	}
	if strings.TrimSpace(token.RefreshToken) == "" || s.refresher == nil {
		return domain.Account{}, domain.Token{}, fmt.Errorf("%w: account %s has no refresh token", domain.ErrAuthExpired, id)
	}

	s.logger.Info("refreshing access token", "account_id", string(id), "expires_at", token.ExpiresAt())
	refreshed, err := s.refresher.Refresh(ctx, token.RefreshToken)
	if err != nil {
		return domain.Account{}, domain.Token{}, fmt.Errorf("refresh token for %s: %w", id, err)
	}
	refreshed = refreshed.WithExpiry(now)
	refreshed.ExpiresIn = 0
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = token.RefreshToken
	}
	refreshed.ProjectID = token.ProjectID
	refreshed.IsGCPToS = token.IsGCPToS

	if encoded, err := domain.EncodeToken(refreshed); err == nil {
		if err := s.store.Put(ctx, account.Auth.SecretRef, encoded); err != nil {
			s.logger.Warn("persist refreshed token failed", "account_id", string(id), "error", err)
		}
	}
	return account, refreshed, nil
}

// UpdateProjectID records a freshly discovered project on the account and
// inside its stored token.
func (s *Service) UpdateProjectID(ctx context.Context, id domain.AccountID, projectID string) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil
	}
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get account by id: %w", err)
	}

	account.Metadata.ProjectID = projectID
	if err := s.repo.Save(ctx, account); err != nil {
		return fmt.Errorf("save account project: %w", err)
	}

	token, err := s.loadToken(ctx, account)
	if err != nil {
		return nil
	}
	token.ProjectID = projectID
	encoded, err := domain.EncodeToken(token)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, account.Auth.SecretRef, encoded); err != nil {
		return fmt.Errorf("store token project: %w", err)
	}
	return nil
}

func (s *Service) loadToken(ctx context.Context, account domain.Account) (domain.Token, error) {
	ref := strings.TrimSpace(account.Auth.SecretRef)
	if ref == "" {
		return domain.Token{}, fmt.Errorf("%w: account %s has no stored token", domain.ErrSecretNotFound, account.ID)
	}
	raw, err := s.store.Get(ctx, ref)
	if err != nil {
		return domain.Token{}, fmt.Errorf("read token secret: %w", err)
	}
	return domain.DecodeToken(raw)
}
