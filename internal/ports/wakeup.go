package ports

import (
	"context"

	"github.com/bnema/ag-wakeup/internal/domain"
)

// TokenSource yields an account together with a usable access token.
type TokenSource interface {
	EnsureFreshToken(ctx context.Context, id domain.AccountID) (domain.Account, domain.Token, error)
}

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (domain.Token, error)
}

// Waker performs one wakeup exchange for an already-authenticated account.
type Waker interface {
	Wakeup(ctx context.Context, req domain.WakeupRequest) (domain.WakeupResponse, error)
}

// VerificationStore persists latest per-account status and batch history.
type VerificationStore interface {
	LoadItems(ctx context.Context) ([]domain.VerificationStateItem, error)
	UpsertItem(ctx context.Context, item domain.VerificationStateItem) error
	LoadHistory(ctx context.Context) ([]domain.BatchHistoryRecord, error)
	AppendHistory(ctx context.Context, record domain.BatchHistoryRecord) error
	DeleteHistory(ctx context.Context, batchIDs []string) (int, error)
}

type ProgressSink interface {
	Emit(ctx context.Context, progress domain.VerificationProgress)
}

// LegacyClient is the direct upstream transport used outside gateway mode.
type LegacyClient interface {
	ResolveProjectID(ctx context.Context, accessToken, known string) (string, bool)
	GenerateContent(ctx context.Context, accessToken, projectID string, req domain.WakeupRequest) (domain.WakeupResponse, error)
}
