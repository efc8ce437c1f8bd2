package application

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryVerificationStore struct {
	mu      sync.Mutex
	items   map[domain.AccountID]domain.VerificationStateItem
	history []domain.BatchHistoryRecord
}

func (m *memoryVerificationStore) LoadItems(_ context.Context) ([]domain.VerificationStateItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.VerificationStateItem, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item)
	}
	return out, nil
}

func (m *memoryVerificationStore) UpsertItem(_ context.Context, item domain.VerificationStateItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = map[domain.AccountID]domain.VerificationStateItem{}
	}
	m.items[item.AccountID] = item
	return nil
}

func (m *memoryVerificationStore) LoadHistory(_ context.Context) ([]domain.BatchHistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history), nil
}

func (m *memoryVerificationStore) AppendHistory(_ context.Context, record domain.BatchHistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = domain.MergeHistory(m.history, record)
	return nil
}

func (m *memoryVerificationStore) DeleteHistory(_ context.Context, batchIDs []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.history)
	m.history = slices.DeleteFunc(m.history, func(record domain.BatchHistoryRecord) bool {
		return slices.Contains(batchIDs, record.BatchID)
	})
	return before - len(m.history), nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.VerificationProgress
}

func (r *recordingSink) Emit(_ context.Context, progress domain.VerificationProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, progress)
}

type scriptedAccounts struct {
	mu      sync.Mutex
	replies map[domain.AccountID]string
	errs    map[domain.AccountID]error
	calls   []domain.WakeupRequest
}

func (s *scriptedAccounts) Wakeup(_ context.Context, req domain.WakeupRequest) (domain.WakeupResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if err := s.errs[req.AccountID]; err != nil {
		return domain.WakeupResponse{}, err
	}
	return domain.WakeupResponse{Reply: s.replies[req.AccountID], Duration: 1500 * time.Millisecond}, nil
}

var verifyNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func threeAccounts() *inMemoryAccountRepo {
	return &inMemoryAccountRepo{accounts: []domain.Account{
		{ID: "ok", Email: "c@example.com"},
		{ID: "expired", Email: "a@example.com"},
		{ID: "blocked", Email: "b@example.com"},
	}}
}

func threeOutcomes() *scriptedAccounts {
	return &scriptedAccounts{
		replies: map[domain.AccountID]string{"ok": "awake"},
		errs: map[domain.AccountID]error{
			"expired": &domain.UpstreamHTTPError{StatusCode: 401, URL: "https://x"},
			"blocked": &domain.UpstreamHTTPError{StatusCode: 403, URL: "https://x"},
		},
	}
}

func TestVerificationServiceRunCountsEveryOutcome(t *testing.T) {
	t.Parallel()

	store := &memoryVerificationStore{}
	sink := &recordingSink{}
	waker := threeOutcomes()
	svc := NewVerificationService(threeAccounts(), nil, waker, store, fixedClock{now: verifyNow}, nil)

	record, err := svc.Run(context.Background(), RunVerificationCommand{
		AccountIDs: []domain.AccountID{"ok", " expired", "blocked", "ok", "ghost"},
		Model:      "gemini-3-flash",
	}, sink)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(record.BatchID, fmt.Sprintf("verify_%d_", verifyNow.UnixMilli())), record.BatchID)
	assert.Equal(t, 3, record.Total)
	assert.Equal(t, 3, record.Completed)
	assert.Equal(t, 1, record.SuccessCount)
	assert.Equal(t, 1, record.AuthExpiredCount)
	assert.Equal(t, 1, record.VerificationRequiredCount)
	assert.Zero(t, record.FailedCount)
	assert.Equal(t, DefaultVerificationPrompt, record.Prompt)

	emails := make([]string, 0, len(record.Items))
	for _, item := range record.Items {
		emails = append(emails, item.AccountEmail)
	}
	assert.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com"}, emails)

	require.Len(t, waker.calls, 3)
	for _, call := range waker.calls {
		assert.Equal(t, "gemini-3-flash", call.Model)
		assert.Equal(t, DefaultVerificationPrompt, call.Prompt)
	}

	require.Len(t, sink.events, 4)
	for i, event := range sink.events[:3] {
		assert.Equal(t, i+1, event.Completed)
		assert.Equal(t, i < 2, event.Running)
		require.NotNil(t, event.Item)
	}
	final := sink.events[3]
	assert.False(t, final.Running)
	assert.Nil(t, final.Item)
	assert.Equal(t, 3, final.Completed)

	ok := store.items["ok"]
	assert.Equal(t, domain.VerificationSuccess, ok.Status)
	assert.Equal(t, "awake", ok.LastMessage)
	assert.Equal(t, int64(1500), ok.DurationMS)
	assert.Equal(t, verifyNow, ok.LastVerifyAt)

	blocked := store.items["blocked"]
	assert.Equal(t, domain.VerificationVerificationRequired, blocked.Status)
	require.NotNil(t, blocked.LastErrorCode)
	assert.Equal(t, int64(403), *blocked.LastErrorCode)

	require.Len(t, store.history, 1)
	assert.Equal(t, record.BatchID, store.history[0].BatchID)
}

func TestVerificationServiceRunKeepsTrajectoryDetails(t *testing.T) {
	t.Parallel()

	code := int64(403)
	store := &memoryVerificationStore{}
	waker := &scriptedAccounts{errs: map[domain.AccountID]error{
		"ok": &domain.TrajectoryError{
			Kind:          domain.FailureVerificationRequired,
			Message:       "verify your account",
			Code:          &code,
			ValidationURL: "https://accounts.google.com/verify",
			TrajectoryID:  "traj-1",
		},
	}}
	svc := NewVerificationService(threeAccounts(), nil, waker, store, fixedClock{now: verifyNow}, nil)

	record, err := svc.Run(context.Background(), RunVerificationCommand{AccountIDs: []domain.AccountID{"ok"}, Model: "m", Prompt: "ping"}, nil)
	require.NoError(t, err)
	require.Len(t, record.Items, 1)

	item := record.Items[0]
	assert.Equal(t, domain.VerificationVerificationRequired, item.Status)
	assert.Equal(t, "https://accounts.google.com/verify", item.ValidationURL)
	assert.Equal(t, "traj-1", item.TrajectoryID)
	assert.Equal(t, "verify your account", item.LastMessage)
	assert.Equal(t, "ping", record.Prompt)
}

func TestVerificationServiceRunSelection(t *testing.T) {
	t.Parallel()

	groups := NewGroupService(threeAccounts(), &inMemoryGroupRepo{groups: map[domain.GroupID]domain.Group{
		"team": {ID: "team", Name: "Team", Members: []domain.AccountID{"blocked", "ok"}},
	}}, nil)

	tests := []struct {
		name    string
		cmd     RunVerificationCommand
		want    []domain.AccountID
		wantErr error
	}{
		{name: "no ids", cmd: RunVerificationCommand{Model: "m", AccountIDs: []domain.AccountID{" ", ""}}, wantErr: domain.ErrNoAccountsSelected},
		{name: "only unknown", cmd: RunVerificationCommand{Model: "m", AccountIDs: []domain.AccountID{"ghost"}}, wantErr: domain.ErrNoResolvableAccounts},
		{name: "missing group", cmd: RunVerificationCommand{Model: "m", GroupID: "nope"}, wantErr: domain.ErrGroupNotFound},
		{name: "group after explicit ids", cmd: RunVerificationCommand{Model: "m", AccountIDs: []domain.AccountID{"ok"}, GroupID: "team"}, want: []domain.AccountID{"ok", "blocked"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			waker := threeOutcomes()
			svc := NewVerificationService(threeAccounts(), groups, waker, &memoryVerificationStore{}, fixedClock{now: verifyNow}, nil)

			record, err := svc.Run(context.Background(), tt.cmd, nil)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, waker.calls)
				return
			}
			require.NoError(t, err)
			called := make([]domain.AccountID, 0, len(waker.calls))
			for _, call := range waker.calls {
				called = append(called, call.AccountID)
			}
			assert.ElementsMatch(t, tt.want, called)
			assert.Equal(t, len(tt.want), record.Total)
		})
	}

	svc := NewVerificationService(threeAccounts(), nil, threeOutcomes(), &memoryVerificationStore{}, nil, nil)
	_, err := svc.Run(context.Background(), RunVerificationCommand{AccountIDs: []domain.AccountID{"ok"}}, nil)
	require.Error(t, err)
}

func TestVerificationServiceHistoryIsCapped(t *testing.T) {
	t.Parallel()

	store := &memoryVerificationStore{}
	accounts := threeAccounts()
	for i := range domain.HistoryLimit + 3 {
		clock := fixedClock{now: verifyNow.Add(time.Duration(i) * time.Second)}
		svc := NewVerificationService(accounts, nil, threeOutcomes(), store, clock, nil)
		_, err := svc.Run(context.Background(), RunVerificationCommand{AccountIDs: []domain.AccountID{"ok"}, Model: "m"}, nil)
		require.NoError(t, err)
	}

	svc := NewVerificationService(accounts, nil, nil, store, nil, nil)
	history, err := svc.LoadHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, history, domain.HistoryLimit)
	assert.True(t, strings.HasPrefix(history[0].BatchID, fmt.Sprintf("verify_%d_", verifyNow.Add(time.Duration(domain.HistoryLimit+2)*time.Second).UnixMilli())))
	assert.True(t, history[0].VerifiedAt.After(history[1].VerifiedAt))
}

func TestVerificationServiceSameInstantBatchesAreKept(t *testing.T) {
	t.Parallel()

	store := &memoryVerificationStore{}
	svc := NewVerificationService(threeAccounts(), nil, threeOutcomes(), store, fixedClock{now: verifyNow}, nil)

	first, err := svc.Run(context.Background(), RunVerificationCommand{AccountIDs: []domain.AccountID{"ok"}, Model: "m"}, nil)
	require.NoError(t, err)
	second, err := svc.Run(context.Background(), RunVerificationCommand{AccountIDs: []domain.AccountID{"ok"}, Model: "m"}, nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.BatchID, second.BatchID)
	history, err := svc.LoadHistory(context.Background())
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestVerificationServiceStateViews(t *testing.T) {
	t.Parallel()

	accounts := threeAccounts()
	store := &memoryVerificationStore{
		items: map[domain.AccountID]domain.VerificationStateItem{
			"ok":      {AccountID: "ok", AccountEmail: "old@example.com", Status: domain.VerificationSuccess, LastVerifyAt: verifyNow},
			"blocked": {AccountID: "blocked", AccountEmail: "b@example.com", Status: domain.VerificationFailed, LastVerifyAt: verifyNow.Add(time.Minute)},
		},
		history: []domain.BatchHistoryRecord{
			{BatchID: "verify_1", VerifiedAt: verifyNow, Items: []domain.VerificationStateItem{{AccountID: "ok", AccountEmail: "old@example.com"}}},
			{BatchID: "verify_2", VerifiedAt: verifyNow.Add(time.Hour)},
		},
	}
	svc := NewVerificationService(accounts, nil, nil, store, nil, nil)

	state, err := svc.LoadState(context.Background())
	require.NoError(t, err)
	require.Len(t, state, 2)
	assert.Equal(t, domain.AccountID("blocked"), state[0].AccountID)

	display, err := svc.DisplayState(context.Background())
	require.NoError(t, err)
	require.Len(t, display, 3)
	assert.Equal(t, domain.AccountID("blocked"), display[0].AccountID)
	assert.Equal(t, "c@example.com", display[1].AccountEmail)
	assert.Equal(t, domain.VerificationIdle, display[2].Status)
	assert.Equal(t, domain.AccountID("expired"), display[2].AccountID)

	history, err := svc.LoadHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "verify_2", history[0].BatchID)
	assert.Equal(t, "c@example.com", history[1].Items[0].AccountEmail)

	deleted, err := svc.DeleteHistory(context.Background(), []string{" ", ""})
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = svc.DeleteHistory(context.Background(), []string{" verify_1 ", "verify_9"})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	require.Len(t, store.history, 1)
}

func TestVerificationServiceReportsHistoryFailure(t *testing.T) {
	t.Parallel()

	store := &failingHistoryStore{memoryVerificationStore: &memoryVerificationStore{}}
	svc := NewVerificationService(threeAccounts(), nil, threeOutcomes(), store, fixedClock{now: verifyNow}, nil)

	record, err := svc.Run(context.Background(), RunVerificationCommand{AccountIDs: []domain.AccountID{"ok"}, Model: "m"}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, record.SuccessCount)
	assert.Len(t, store.items, 1)
}

type failingHistoryStore struct {
	*memoryVerificationStore
}

func (f *failingHistoryStore) AppendHistory(context.Context, domain.BatchHistoryRecord) error {
	return errors.New("disk full")
}
