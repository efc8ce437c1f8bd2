package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/bnema/ag-wakeup/internal/ports"
)

// AllAccountsGroupID is the auto-synced group holding every account.
const AllAccountsGroupID domain.GroupID = "all"

type GroupService struct {
	accounts ports.AccountRepository
	groups   ports.GroupRepository
	clock    ports.Clock
}

func NewGroupService(accounts ports.AccountRepository, groups ports.GroupRepository, clock ports.Clock) *GroupService {
	if clock == nil {
		clock = ports.SystemClock{}
	}

	return &GroupService{accounts: accounts, groups: groups, clock: clock}
}

// CreateGroup saves a new group. An AllAccounts group ignores members and
// tracks the account list instead.
func (s *GroupService) CreateGroup(ctx context.Context, id domain.GroupID, name string, allAccounts bool, members []domain.AccountID) (domain.Group, error) {
	id = domain.GroupID(strings.TrimSpace(string(id)))
	if _, err := s.groups.GetByID(ctx, id); err == nil {
		return domain.Group{}, fmt.Errorf("group %s already exists", id)
	} else if !errors.Is(err, domain.ErrGroupNotFound) {
		return domain.Group{}, fmt.Errorf("load group: %w", err)
	}

	group := domain.Group{ID: id, Name: strings.TrimSpace(name), AllAccounts: allAccounts}
	if !allAccounts {
		group.Members = members
		if err := s.requireKnown(ctx, group.Members); err != nil {
			return domain.Group{}, err
		}
	}
	return s.save(ctx, group)
}

// EnsureAllAccountsGroup creates the "all" group on first use.
func (s *GroupService) EnsureAllAccountsGroup(ctx context.Context) (domain.Group, error) {
	group, err := s.groups.GetByID(ctx, AllAccountsGroupID)
	if err == nil {
		return s.resolve(ctx, group)
	}
	if !errors.Is(err, domain.ErrGroupNotFound) {
		return domain.Group{}, fmt.Errorf("load group: %w", err)
	}

	group = domain.Group{ID: AllAccountsGroupID, Name: "all accounts", AllAccounts: true}
	group, err = s.save(ctx, group)
	if err != nil {
		return domain.Group{}, err
	}
	return s.resolve(ctx, group)
}

func (s *GroupService) AddMembers(ctx context.Context, id domain.GroupID, members []domain.AccountID) (domain.Group, error) {
	group, err := s.editable(ctx, id)
	if err != nil {
		return domain.Group{}, err
	}
	if err := s.requireKnown(ctx, members); err != nil {
		return domain.Group{}, err
	}

	group.Members = append(group.Members, members...)
	return s.save(ctx, group)
}

func (s *GroupService) RemoveMembers(ctx context.Context, id domain.GroupID, members []domain.AccountID) (domain.Group, error) {
	group, err := s.editable(ctx, id)
	if err != nil {
		return domain.Group{}, err
	}

	drop := make(map[domain.AccountID]struct{}, len(members))
	for _, member := range domain.NormalizeAccountIDs(members) {
		drop[member] = struct{}{}
	}
	kept := group.Members[:0]
	for _, member := range group.Members {
		if _, ok := drop[member]; !ok {
			kept = append(kept, member)
		}
	}
	group.Members = kept
	return s.save(ctx, group)
}

func (s *GroupService) DeleteGroup(ctx context.Context, id domain.GroupID) error {
	if _, err := s.groups.GetByID(ctx, id); err != nil {
		return err
	}
	if err := s.groups.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

// GetGroup returns the group with AllAccounts membership synced.
func (s *GroupService) GetGroup(ctx context.Context, id domain.GroupID) (domain.Group, error) {
	group, err := s.groups.GetByID(ctx, id)
	if err != nil {
		return domain.Group{}, err
	}
	return s.resolve(ctx, group)
}

func (s *GroupService) ListGroups(ctx context.Context) ([]domain.Group, error) {
	groups, err := s.groups.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	out := make([]domain.Group, 0, len(groups))
	for _, group := range groups {
		resolved, err := s.resolve(ctx, group)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *GroupService) editable(ctx context.Context, id domain.GroupID) (domain.Group, error) {
	group, err := s.groups.GetByID(ctx, id)
	if err != nil {
		return domain.Group{}, err
	}
	if group.AllAccounts {
		return domain.Group{}, fmt.Errorf("group %s tracks all accounts and has no editable members", id)
	}
	return group, nil
}

func (s *GroupService) resolve(ctx context.Context, group domain.Group) (domain.Group, error) {
	if !group.AllAccounts {
		return group, nil
	}
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return domain.Group{}, fmt.Errorf("list accounts: %w", err)
	}
	members := make([]domain.AccountID, 0, len(accounts))
	for _, account := range accounts {
		members = append(members, account.ID)
	}
	group.Members = members
	group.NormalizeMembers()
	return group, nil
}

func (s *GroupService) requireKnown(ctx context.Context, members []domain.AccountID) error {
	for _, member := range domain.NormalizeAccountIDs(members) {
		if _, err := s.accounts.GetByID(ctx, member); err != nil {
			return fmt.Errorf("account %s: %w", member, err)
		}
	}
	return nil
}

func (s *GroupService) save(ctx context.Context, group domain.Group) (domain.Group, error) {
	group.UpdatedAt = s.clock.Now()
	group.NormalizeMembers()
	if group.AllAccounts {
		group.Members = nil
	}

	if err := group.Validate(); err != nil {
		return domain.Group{}, err
	}
	if err := s.groups.Save(ctx, group); err != nil {
		return domain.Group{}, fmt.Errorf("save group: %w", err)
	}
	return group, nil
}
