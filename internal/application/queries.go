package application

import (
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
)

type AccountSummary struct {
	Account        domain.Account
	HasToken       bool
	TokenExpiresAt time.Time
}
