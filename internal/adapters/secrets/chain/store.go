// Package chain tries an ordered list of named secret backends. Reads and
// writes stop at the first backend that succeeds; deletes visit all of them.
package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	filestore "github.com/bnema/ag-wakeup/internal/adapters/secrets/file"
	passstore "github.com/bnema/ag-wakeup/internal/adapters/secrets/pass"
	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/bnema/ag-wakeup/internal/ports"
)

type Backend struct {
	Name  string
	Store ports.SecretStore
}

type Store struct {
	backends []Backend
	logger   *slog.Logger
}

var _ ports.SecretStore = (*Store)(nil)

var errNoBackends = errors.New("secret chain has no backends")

func New(logger *slog.Logger, backends ...Backend) (*Store, error) {
	if len(backends) == 0 {
		return nil, errNoBackends
	}
	for i, b := range backends {
		if b.Store == nil {
			return nil, fmt.Errorf("secret backend %d (%s) is nil", i, b.Name)
		}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{backends: backends, logger: logger.With("component", "secrets")}, nil
}

// ForHost puts pass in front of the file store when the pass binary is
// installed, and uses the file store alone otherwise.
func ForHost(fileRoot, passDir string, logger *slog.Logger) (*Store, error) {
	return forHost(passstore.Available(), fileRoot, passDir, logger)
}

func forHost(passInstalled bool, fileRoot, passDir string, logger *slog.Logger) (*Store, error) {
	file := Backend{Name: "file", Store: filestore.NewStore(fileRoot)}
	if !passInstalled {
		return New(logger, file)
	}
	return New(logger, Backend{Name: "pass", Store: passstore.NewStore(passstore.WithStoreDir(passDir))}, file)
}

// Names lists the backends in lookup order.
func (s *Store) Names() []string {
	names := make([]string, len(s.backends))
	for i, b := range s.backends {
		names[i] = b.Name
	}
	return names
}

func (s *Store) Put(ctx context.Context, key string, value string) error {
	var errs []error
	for i, b := range s.backends {
		err := b.Store.Put(ctx, key, value)
		if err == nil {
			if i > 0 {
				s.logger.Warn("secret written to fallback backend", "key", key, "backend", b.Name, "error", errors.Join(errs...))
			}
			return nil
		}
		if isContextErr(err) {
			return err
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
	}
	return fmt.Errorf("put secret %q: %w", key, errors.Join(errs...))
}

// Get returns the first backend's value. A miss in one backend falls
// through to the next, so entries written during a pass outage stay readable.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var errs []error
	for _, b := range s.backends {
		value, err := b.Store.Get(ctx, key)
		if err == nil {
			if len(errs) > 0 {
				s.logger.Debug("secret read from fallback backend", "key", key, "backend", b.Name)
			}
			return value, nil
		}
		if isContextErr(err) {
			return "", err
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
	}
	return "", fmt.Errorf("get secret %q: %w", key, errors.Join(errs...))
}

// Delete clears the key everywhere, since an earlier Put may have landed in
// any backend. Only the last backend's failure is returned; earlier ones
// are logged.
func (s *Store) Delete(ctx context.Context, key string) error {
	last := len(s.backends) - 1
	for i, b := range s.backends {
		err := b.Store.Delete(ctx, key)
		if err == nil || errors.Is(err, domain.ErrSecretNotFound) {
			continue
		}
		if isContextErr(err) {
			return err
		}
		if i == last {
			return fmt.Errorf("delete secret %q from %s: %w", key, b.Name, err)
		}
		s.logger.Warn("delete secret failed", "key", key, "backend", b.Name, "error", err)
	}
	return nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
