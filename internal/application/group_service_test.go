package application

import (
	"context"
	"testing"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupServiceCreateGroupNormalizesMembers(t *testing.T) {
	t.Parallel()

	repo := &inMemoryAccountRepo{accounts: []domain.Account{{ID: "1"}, {ID: "2"}}}
	groups := &inMemoryGroupRepo{}
	now := time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)
	svc := NewGroupService(repo, groups, fixedClock{now: now})

	group, err := svc.CreateGroup(context.Background(), " team ", "Team", false, []domain.AccountID{" 2", "1", "2", ""})
	require.NoError(t, err)
	assert.Equal(t, domain.GroupID("team"), group.ID)
	assert.Equal(t, []domain.AccountID{"2", "1"}, group.Members)
	assert.Equal(t, now, group.UpdatedAt)

	_, err = svc.CreateGroup(context.Background(), "team", "Team", false, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestGroupServiceCreateGroupRejectsUnknownMembers(t *testing.T) {
	t.Parallel()

	svc := NewGroupService(&inMemoryAccountRepo{}, &inMemoryGroupRepo{}, nil)

	_, err := svc.CreateGroup(context.Background(), "team", "Team", false, []domain.AccountID{"ghost"})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestGroupServiceAllAccountsGroupTracksAccounts(t *testing.T) {
	t.Parallel()

	repo := &inMemoryAccountRepo{accounts: []domain.Account{{ID: "1"}}}
	groups := &inMemoryGroupRepo{}
	svc := NewGroupService(repo, groups, nil)

	group, err := svc.EnsureAllAccountsGroup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.AccountID{"1"}, group.Members)
	assert.Empty(t, groups.groups[AllAccountsGroupID].Members)

	require.NoError(t, repo.Save(context.Background(), domain.Account{ID: "2"}))

	group, err = svc.GetGroup(context.Background(), AllAccountsGroupID)
	require.NoError(t, err)
	assert.Equal(t, []domain.AccountID{"1", "2"}, group.Members)

	_, err = svc.AddMembers(context.Background(), AllAccountsGroupID, []domain.AccountID{"1"})
	require.Error(t, err)
}

func TestGroupServiceAddAndRemoveMembers(t *testing.T) {
	t.Parallel()

	repo := &inMemoryAccountRepo{accounts: []domain.Account{{ID: "1"}, {ID: "2"}, {ID: "3"}}}
	groups := &inMemoryGroupRepo{groups: map[domain.GroupID]domain.Group{
		"team": {ID: "team", Name: "Team", Members: []domain.AccountID{"1"}},
	}}
	svc := NewGroupService(repo, groups, nil)

	group, err := svc.AddMembers(context.Background(), "team", []domain.AccountID{"3", "1", "2"})
	require.NoError(t, err)
	assert.Equal(t, []domain.AccountID{"1", "3", "2"}, group.Members)

	group, err = svc.RemoveMembers(context.Background(), "team", []domain.AccountID{" 3 ", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, []domain.AccountID{"1", "2"}, group.Members)

	listed, err := svc.ListGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, []domain.AccountID{"1", "2"}, listed[0].Members)
}

func TestGroupServiceDeleteGroup(t *testing.T) {
	t.Parallel()

	groups := &inMemoryGroupRepo{groups: map[domain.GroupID]domain.Group{
		"team": {ID: "team", Name: "Team"},
	}}
	svc := NewGroupService(&inMemoryAccountRepo{}, groups, nil)

	require.NoError(t, svc.DeleteGroup(context.Background(), "team"))
	require.ErrorIs(t, svc.DeleteGroup(context.Background(), "team"), domain.ErrGroupNotFound)
}
