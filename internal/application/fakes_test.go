package application

import (
	"context"
	"sync"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/stretchr/testify/mock"
)

type inMemoryAccountRepo struct {
	mu       sync.Mutex
	accounts []domain.Account
}

func (r *inMemoryAccountRepo) GetByID(_ context.Context, id domain.AccountID) (domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, account := range r.accounts {
		if account.ID == id {
			return account, nil
		}
	}
	return domain.Account{}, domain.ErrAccountNotFound
}

func (r *inMemoryAccountRepo) List(_ context.Context) ([]domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Account(nil), r.accounts...), nil
}

func (r *inMemoryAccountRepo) Save(_ context.Context, account domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.accounts {
		if r.accounts[i].ID == account.ID {
			r.accounts[i] = account
			return nil
		}
	}
	r.accounts = append(r.accounts, account)
	return nil
}

func (r *inMemoryAccountRepo) Delete(_ context.Context, id domain.AccountID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.accounts {
		if r.accounts[i].ID == id {
			r.accounts = append(r.accounts[:i], r.accounts[i+1:]...)
			return nil
		}
	}
	return domain.ErrAccountNotFound
}

type inMemoryGroupRepo struct {
	groups map[domain.GroupID]domain.Group
}

func (r *inMemoryGroupRepo) GetByID(_ context.Context, id domain.GroupID) (domain.Group, error) {
	group, ok := r.groups[id]
	if !ok {
		return domain.Group{}, domain.ErrGroupNotFound
	}
	return group, nil
}

func (r *inMemoryGroupRepo) List(_ context.Context) ([]domain.Group, error) {
	result := make([]domain.Group, 0, len(r.groups))
	for _, group := range r.groups {
		result = append(result, group)
	}
	return result, nil
}

func (r *inMemoryGroupRepo) Save(_ context.Context, group domain.Group) error {
	if r.groups == nil {
		r.groups = map[domain.GroupID]domain.Group{}
	}
	r.groups[group.ID] = group
	return nil
}

func (r *inMemoryGroupRepo) Delete(_ context.Context, id domain.GroupID) error {
	if _, ok := r.groups[id]; !ok {
		return domain.ErrGroupNotFound
	}
	delete(r.groups, id)
	return nil
}

type fixedClock struct {
	now time.Time
}

func (f fixedClock) Now() time.Time {
	return f.now
}

func mockAnyContext() interface{} {
	return mock.Anything
}
