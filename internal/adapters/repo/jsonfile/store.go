// Package jsonfile persists verification state and batch history in a single
// versioned JSON document.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/bnema/ag-wakeup/internal/ports"
	"github.com/spf13/viper"
)

const (
	pathKey        = "verification.path"
	defaultDir     = ".ag-wakeup"
	defaultFile    = "wakeup_verification_state.json"
	fileMode       = 0o600
	dirMode        = 0o700
	currentVersion = 2
)

type document struct {
	Version int                            `json:"version"`
	Items   []domain.VerificationStateItem `json:"items"`
	History []domain.BatchHistoryRecord    `json:"history"`
}

// Store implements ports.VerificationStore. Every mutation is one
// read-merge-write under the per-path lock.
type Store struct {
	path string
	mu   *sync.Mutex
}

var (
	locksMu sync.Mutex
	locks   = map[string]*sync.Mutex{}
)

var _ ports.VerificationStore = (*Store)(nil)

func NewStore(cfg *viper.Viper) (*Store, error) {
	if cfg == nil {
		cfg = viper.New()
	}

	path := strings.TrimSpace(cfg.GetString(pathKey))
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, defaultDir, defaultFile)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve verification path: %w", err)
	}
	abs = filepath.Clean(abs)

	locksMu.Lock()
	mu, ok := locks[abs]
	if !ok {
		mu = &sync.Mutex{}
		locks[abs] = mu
	}
	locksMu.Unlock()

	return &Store{path: abs, mu: mu}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) LoadItems(ctx context.Context) ([]domain.VerificationStateItem, error) {
	doc, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Items, nil
}

func (s *Store) LoadHistory(ctx context.Context) ([]domain.BatchHistoryRecord, error) {
	doc, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return doc.History, nil
}

// UpsertItem replaces the item for the same account or appends it.
func (s *Store) UpsertItem(ctx context.Context, item domain.VerificationStateItem) error {
	return s.update(ctx, func(doc *document) bool {
		idx := slices.IndexFunc(doc.Items, func(existing domain.VerificationStateItem) bool {
			return existing.AccountID == item.AccountID
		})
		if idx >= 0 {
			doc.Items[idx] = item
		} else {
			doc.Items = append(doc.Items, item)
		}
		return true
	})
}

func (s *Store) AppendHistory(ctx context.Context, record domain.BatchHistoryRecord) error {
	return s.update(ctx, func(doc *document) bool {
		doc.History = domain.MergeHistory(doc.History, record)
		return true
	})
}

// DeleteHistory removes the named batches; the file is only rewritten when
// something was removed.
func (s *Store) DeleteHistory(ctx context.Context, batchIDs []string) (int, error) {
	deleted := 0
	err := s.update(ctx, func(doc *document) bool {
		before := len(doc.History)
		doc.History = slices.DeleteFunc(doc.History, func(record domain.BatchHistoryRecord) bool {
			return slices.Contains(batchIDs, record.BatchID)
		})
		deleted = before - len(doc.History)
		return deleted > 0
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *Store) snapshot(ctx context.Context) (document, error) {
	if err := ctx.Err(); err != nil {
		return document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read()
}

func (s *Store) update(ctx context.Context, mutate func(*document) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if !mutate(&doc) {
		return nil
	}
	return s.write(doc)
}

func (s *Store) read() (document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return document{Version: currentVersion}, nil
		}
		return document{}, fmt.Errorf("read verification file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("decode verification file: %w", err)
	}
	if doc.Version > currentVersion {
		return document{}, fmt.Errorf("unsupported verification file version %d (current %d)", doc.Version, currentVersion)
	}
	doc.Version = currentVersion
	return doc, nil
}

func (s *Store) write(doc document) error {
	if doc.Items == nil {
		doc.Items = []domain.VerificationStateItem{}
	}
	if doc.History == nil {
		doc.History = []domain.BatchHistoryRecord{}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode verification file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), dirMode); err != nil {
		return fmt.Errorf("create verification directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".verification-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp verification file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp verification file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp verification file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp verification file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace verification file: %w", err)
	}
	cleanup = false

	return nil
}
