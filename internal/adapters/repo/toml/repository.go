package toml

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/bnema/ag-wakeup/internal/ports"
	"github.com/spf13/viper"
)

const (
	accountsPathKey    = "accounts.path"
	accountsConfigFile = "accounts.toml"
)

// Repository stores accounts in accounts.toml.
type Repository struct {
	doc document[fileSchema, *fileSchema]
}

var _ ports.AccountRepository = (*Repository)(nil)

func NewRepository(cfg *viper.Viper) (*Repository, error) {
	doc, err := newDocument[fileSchema](cfg, accountsPathKey, accountsConfigFile, "accounts file")
	if err != nil {
		return nil, err
	}
	return &Repository{doc: doc}, nil
}

func (r *Repository) Path() string {
	return r.doc.path
}

func (r *Repository) Save(ctx context.Context, account domain.Account) error {
	if strings.TrimSpace(string(account.ID)) == "" {
		return errors.New("account id is required")
	}

	return r.doc.update(ctx, func(file *fileSchema) error {
		file.Accounts = upsertByID(file.Accounts, toSchema(account), accountKey)
		return nil
	})
}

func (r *Repository) Delete(ctx context.Context, id domain.AccountID) error {
	return r.doc.update(ctx, func(file *fileSchema) error {
		kept, removed := removeByID(file.Accounts, string(id), accountKey)
		if !removed {
			return domain.ErrAccountNotFound
		}
		file.Accounts = kept
		return nil
	})
}

func (r *Repository) GetByID(ctx context.Context, id domain.AccountID) (domain.Account, error) {
	file, err := r.doc.view(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	entry, ok := findByID(file.Accounts, string(id), accountKey)
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return fromSchema(entry), nil
}

func (r *Repository) List(ctx context.Context) ([]domain.Account, error) {
	file, err := r.doc.view(ctx)
	if err != nil {
		return nil, err
	}

	accounts := make([]domain.Account, 0, len(file.Accounts))
	for _, entry := range file.Accounts {
		accounts = append(accounts, fromSchema(entry))
	}
	return accounts, nil
}

func accountKey(entry accountSchema) string {
	return entry.ID
}

func toSchema(account domain.Account) accountSchema {
	return accountSchema{
		ID:    string(account.ID),
		Email: account.Email,
		Name:  account.Name,
		Metadata: metadataSchema{
			ProjectID: account.Metadata.ProjectID,
			IsGCPToS:  account.Metadata.IsGCPToS,
		},
		Auth: authSchema{
			Method:    string(account.Auth.Method),
			SecretRef: account.Auth.SecretRef,
		},
	}
}

func fromSchema(entry accountSchema) domain.Account {
	return domain.Account{
		ID:    domain.AccountID(entry.ID),
		Email: entry.Email,
		Name:  entry.Name,
		Metadata: domain.AccountMetadata{
			ProjectID: entry.Metadata.ProjectID,
			IsGCPToS:  entry.Metadata.IsGCPToS,
		},
		Auth: domain.Auth{
			Method:    domain.AuthMethod(entry.Auth.Method),
			SecretRef: entry.Auth.SecretRef,
		},
	}
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.Format(time.RFC3339)
}
