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
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

const DefaultVerificationPrompt = "hi"

// GroupResolver yields a group with its members resolved.
type GroupResolver interface {
	GetGroup(ctx context.Context, id domain.GroupID) (domain.Group, error)
}

// VerificationService runs batch verifications and serves their persisted
// state and history.
type VerificationService struct {
	accounts ports.AccountRepository
	groups   GroupResolver
	waker    ports.Waker
	store    ports.VerificationStore
	clock    ports.Clock
	logger   *slog.Logger
}

func NewVerificationService(accounts ports.AccountRepository, groups GroupResolver, waker ports.Waker, store ports.VerificationStore, clock ports.Clock, logger *slog.Logger) *VerificationService {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &VerificationService{
		accounts: accounts,
		groups:   groups,
		waker:    waker,
		store:    store,
		clock:    clock,
		logger:   logger.With("component", "verify"),
	}
}

// newBatchID is verify_<unix ms>_<8 hex>; the suffix keeps batches started in
// the same millisecond apart in history.
func newBatchID(startedAt time.Time) string {
	return fmt.Sprintf("verify_%d_%s", startedAt.UnixMilli(), uuid.NewString()[:8])
}

// Run wakes every selected account concurrently. Items are stored and
// reported in completion order; the history record lists them by email.
func (s *VerificationService) Run(ctx context.Context, cmd RunVerificationCommand, sink ports.ProgressSink) (domain.BatchHistoryRecord, error) {
	model := strings.TrimSpace(cmd.Model)
	if model == "" {
		return domain.BatchHistoryRecord{}, errors.New("model is required")
	}
	prompt := strings.TrimSpace(cmd.Prompt)
	if prompt == "" {
		prompt = DefaultVerificationPrompt
	}

	targets, err := s.resolveTargets(ctx, cmd)
	if err != nil {
		return domain.BatchHistoryRecord{}, err
	}

	startedAt := s.clock.Now()
	batchID := newBatchID(startedAt)
	s.logger.Info("batch started", "batch_id", batchID, "accounts", len(targets), "model", model)

	results := make(chan domain.VerificationStateItem, len(targets))
	var wg conc.WaitGroup
	for _, account := range targets {
		wg.Go(func() {
			results <- s.verifyOne(ctx, account, domain.WakeupRequest{
				AccountID:       account.ID,
				Model:           model,
				Prompt:          prompt,
				MaxOutputTokens: cmd.MaxOutputTokens,
			})
		})
	}
	var panicErr error
	go func() {
		if recovered := wg.WaitAndRecover(); recovered != nil {
			panicErr = recovered.AsError()
		}
		close(results)
	}()

	progress := domain.VerificationProgress{BatchID: batchID, Total: len(targets), Running: true}
	items := make([]domain.VerificationStateItem, 0, len(targets))
	for item := range results {
		items = append(items, item)
		progress.Count(item.Status)
		if err := s.store.UpsertItem(ctx, item); err != nil {
			s.logger.Error("store verification item failed", "account_id", string(item.AccountID), "error", err)
		}
		emitted := progress
		emitted.Item = &item
		emit(ctx, sink, emitted)
	}
	if panicErr != nil {
		return domain.BatchHistoryRecord{}, fmt.Errorf("verification worker: %w", panicErr)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].AccountEmail < items[j].AccountEmail
	})
	progress.Running = false
	emit(ctx, sink, progress)

	record := domain.BatchHistoryRecord{
		BatchID:                   batchID,
		StartedAt:                 startedAt,
		VerifiedAt:                s.clock.Now(),
		Model:                     model,
		Prompt:                    prompt,
		Total:                     progress.Total,
		Completed:                 progress.Completed,
		SuccessCount:              progress.SuccessCount,
		VerificationRequiredCount: progress.VerificationRequiredCount,
		AuthExpiredCount:          progress.AuthExpiredCount,
		FailedCount:               progress.FailedCount,
		Items:                     items,
	}
	s.logger.Info("batch finished",
		"batch_id", batchID,
		"success", record.SuccessCount,
		"verification_required", record.VerificationRequiredCount,
		"auth_expired", record.AuthExpiredCount,
		"failed", record.FailedCount,
	)
	if err := s.store.AppendHistory(ctx, record); err != nil {
		return record, fmt.Errorf("append verification history: %w", err)
	}
	return record, nil
}

func (s *VerificationService) resolveTargets(ctx context.Context, cmd RunVerificationCommand) ([]domain.Account, error) {
	ids := append([]domain.AccountID(nil), cmd.AccountIDs...)
	if groupID := strings.TrimSpace(string(cmd.GroupID)); groupID != "" {
		if s.groups == nil {
			return nil, fmt.Errorf("group %s: %w", groupID, domain.ErrGroupNotFound)
		}
		group, err := s.groups.GetGroup(ctx, domain.GroupID(groupID))
		if err != nil {
			return nil, fmt.Errorf("resolve group %s: %w", groupID, err)
		}
		ids = append(ids, group.Members...)
	}
	ids = domain.NormalizeAccountIDs(ids)
	if len(ids) == 0 {
		return nil, domain.ErrNoAccountsSelected
	}

	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	byID := make(map[domain.AccountID]domain.Account, len(accounts))
	for _, account := range accounts {
		byID[account.ID] = account
	}

	targets := make([]domain.Account, 0, len(ids))
	for _, id := range ids {
		account, ok := byID[id]
		if !ok {
			s.logger.Warn("skipping unknown account", "account_id", string(id))
			continue
		}
		targets = append(targets, account)
	}
	if len(targets) == 0 {
		return nil, domain.ErrNoResolvableAccounts
	}
	return targets, nil
}

func (s *VerificationService) verifyOne(ctx context.Context, account domain.Account, req domain.WakeupRequest) domain.VerificationStateItem {
	started := s.clock.Now()
	resp, err := s.waker.Wakeup(ctx, req)
	finished := s.clock.Now()

	item := domain.VerificationStateItem{
		AccountID:    account.ID,
		AccountEmail: account.Label(),
		LastVerifyAt: finished,
		LastModel:    req.Model,
		DurationMS:   finished.Sub(started).Milliseconds(),
	}
	if err == nil {
		item.Status = domain.VerificationSuccess
		item.LastMessage = resp.Reply
		if resp.Duration > 0 {
			item.DurationMS = resp.Duration.Milliseconds()
		}
		return item
	}

	outcome := domain.ClassifyVerificationFailure(err)
	item.Status = outcome.Status
	item.LastErrorCode = outcome.ErrorCode
	item.LastMessage = outcome.Message
	item.ValidationURL = outcome.ValidationURL
	item.TrajectoryID = outcome.TrajectoryID
	s.logger.Warn("account verification failed", "account_id", string(account.ID), "status", string(outcome.Status), "error", err)
	return item
}

func emit(ctx context.Context, sink ports.ProgressSink, progress domain.VerificationProgress) {
	if sink != nil {
		sink.Emit(ctx, progress)
	}
}

// LoadState returns stored items, most recently verified first.
func (s *VerificationService) LoadState(ctx context.Context) ([]domain.VerificationStateItem, error) {
	items, err := s.store.LoadItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("load verification state: %w", err)
	}
	domain.SortStateItems(items)
	return items, nil
}

// DisplayState returns one item per known account; accounts never verified
// are idle. Emails come from the current account list.
func (s *VerificationService) DisplayState(ctx context.Context) ([]domain.VerificationStateItem, error) {
	items, err := s.store.LoadItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("load verification state: %w", err)
	}
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	byID := make(map[domain.AccountID]domain.VerificationStateItem, len(items))
	for _, item := range items {
		byID[item.AccountID] = item
	}
	out := make([]domain.VerificationStateItem, 0, len(accounts))
	for _, account := range accounts {
		item, ok := byID[account.ID]
		if !ok {
			item = domain.VerificationStateItem{AccountID: account.ID, Status: domain.VerificationIdle}
		}
		item.AccountEmail = account.Label()
		out = append(out, item)
	}
	domain.SortStateItems(out)
	return out, nil
}

// LoadHistory returns batch records newest first with refreshed emails.
func (s *VerificationService) LoadHistory(ctx context.Context) ([]domain.BatchHistoryRecord, error) {
	history, err := s.store.LoadHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("load verification history: %w", err)
	}
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	labels := make(map[domain.AccountID]string, len(accounts))
	for _, account := range accounts {
		labels[account.ID] = account.Label()
	}
	for i := range history {
		for j := range history[i].Items {
			if label, ok := labels[history[i].Items[j].AccountID]; ok {
				history[i].Items[j].AccountEmail = label
			}
		}
	}
	domain.SortHistory(history)
	return history, nil
}

// DeleteHistory removes the named batches and reports how many were removed.
func (s *VerificationService) DeleteHistory(ctx context.Context, batchIDs []string) (int, error) {
	ids := make([]string, 0, len(batchIDs))
	for _, id := range batchIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	deleted, err := s.store.DeleteHistory(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("delete verification history: %w", err)
	}
	return deleted, nil
}
