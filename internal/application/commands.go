package application

import (
	"github.com/bnema/ag-wakeup/internal/domain"
)

type AddAccountCommand struct {
	ID       domain.AccountID
	Email    string
	Name     string
	IsGCPToS *bool
}

type SetTokenCommand struct {
	ID     domain.AccountID
	Method domain.AuthMethod
	Email  string
	Token  domain.Token
}

// RunVerificationCommand selects accounts by explicit id and/or group.
// Group members are appended after the explicit ids before deduplication.
type RunVerificationCommand struct {
	AccountIDs      []domain.AccountID
	GroupID         domain.GroupID
	Model           string
	Prompt          string
	MaxOutputTokens int
}
