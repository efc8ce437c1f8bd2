// Package pass keeps OAuth token blobs in a password-store through the pass
// command line tool. Entries live at the secret ref itself, e.g.
// agw/<account>/oauth_tokens, optionally inside a dedicated store directory.
package pass

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/bnema/ag-wakeup/internal/ports"
)

const defaultBinary = "pass"

var ErrUnavailable = errors.New("pass command unavailable")

// CommandError is a failed pass invocation with its trimmed stderr.
type CommandError struct {
	Op     string
	Entry  string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("pass %s %q: %v", e.Op, e.Entry, e.Err)
	}
	return fmt.Sprintf("pass %s %q: %v: %s", e.Op, e.Entry, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// missing reports pass's "is not in the password store" answer.
func (e *CommandError) missing() bool {
	return strings.Contains(e.Stderr, "is not in the password store")
}

type invocation struct {
	binary string
	env    []string
	stdin  string
	args   []string
}

type runFunc func(ctx context.Context, inv invocation) (stdout, stderr string, err error)

type Store struct {
	binary   string
	storeDir string
	run      runFunc
}

var _ ports.SecretStore = (*Store)(nil)

type Option func(*Store)

// WithStoreDir points pass at PASSWORD_STORE_DIR=dir instead of the user's
// default store.
func WithStoreDir(dir string) Option {
	return func(s *Store) { s.storeDir = strings.TrimSpace(dir) }
}

func WithBinary(binary string) Option {
	return func(s *Store) {
		if strings.TrimSpace(binary) != "" {
			s.binary = binary
		}
	}
}

func withRunner(run runFunc) Option {
	return func(s *Store) { s.run = run }
}

func NewStore(opts ...Option) *Store {
	s := &Store{binary: defaultBinary, run: execPass}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Available reports whether the default pass binary is on PATH.
func Available() bool {
	_, err := exec.LookPath(defaultBinary)
	return err == nil
}

func (s *Store) Put(ctx context.Context, key string, value string) error {
	_, err := s.do(ctx, "put", key, value+"\n", "insert", "--multiline", "--force")
	return err
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	out, err := s.do(ctx, "get", key, "", "show")
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.missing() {
			return "", fmt.Errorf("%w: %w", err, domain.ErrSecretNotFound)
		}
		return "", err
	}
	return strings.TrimRight(out, "\r\n"), nil
}

// Delete removes the entry. An entry that is already gone is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.do(ctx, "delete", key, "", "rm", "--force")
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.missing() {
		return nil
	}
	return err
}

func (s *Store) do(ctx context.Context, op, key, stdin string, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	entry, err := entryName(key)
	if err != nil {
		return "", err
	}

	inv := invocation{binary: s.binary, stdin: stdin, args: append(args, entry)}
	if s.storeDir != "" {
		inv.env = []string{"PASSWORD_STORE_DIR=" + s.storeDir}
	}
	stdout, stderr, err := s.run(ctx, inv)
	if err != nil {
		if errors.Is(err, ErrUnavailable) || ctx.Err() != nil {
			return "", err
		}
		return "", &CommandError{Op: op, Entry: entry, Stderr: stderr, Err: err}
	}
	return stdout, nil
}

// entryName rejects refs pass would resolve outside the store.
func entryName(key string) (string, error) {
	entry := strings.Trim(strings.TrimSpace(key), "/")
	if entry == "" {
		return "", errors.New("pass entry name is empty")
	}
	for _, segment := range strings.Split(entry, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("invalid pass entry name %q", key)
		}
	}
	return entry, nil
}

func execPass(ctx context.Context, inv invocation) (string, string, error) {
	path, err := exec.LookPath(inv.binary)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", "", ErrUnavailable
		}
		return "", "", fmt.Errorf("locate %s: %w", inv.binary, err)
	}

	cmd := exec.CommandContext(ctx, path, inv.args...)
	if len(inv.env) > 0 {
		cmd.Env = append(os.Environ(), inv.env...)
	}
	if inv.stdin != "" {
		cmd.Stdin = strings.NewReader(inv.stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	return stdout.String(), strings.TrimSpace(stderr.String()), err
}
