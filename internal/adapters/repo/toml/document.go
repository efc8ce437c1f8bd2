package toml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	fileMode        = 0o600
	dirMode         = 0o700
	configDir       = ".ag-wakeup"
	tempFilePattern = ".agw-*.toml.tmp"
)

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

// schemaFile is the pointer side of a versioned file layout.
type schemaFile[F any] interface {
	*F
	applyDefaults()
	validateVersion() error
}

// document is one versioned TOML file. Every instance for the same path
// shares a lock, so separate repositories never interleave writes.
type document[F any, P schemaFile[F]] struct {
	path string
	name string
	mu   *sync.RWMutex
}

func newDocument[F any, P schemaFile[F]](cfg *viper.Viper, key, file, name string) (document[F, P], error) {
	path, err := resolvePath(cfg, key, file)
	if err != nil {
		return document[F, P]{}, err
	}
	return document[F, P]{path: path, name: name, mu: lockForPath(path)}, nil
}

// view decodes the file under a read lock.
func (d document[F, P]) view(ctx context.Context) (F, error) {
	var zero F
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.read()
}

// update runs mutate on the decoded file and writes the result back under
// the write lock. Nothing is written when mutate fails.
func (d document[F, P]) update(ctx context.Context, mutate func(*F) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	file, err := d.read()
	if err != nil {
		return err
	}
	if err := mutate(&file); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeTOMLFile(d.path, file)
}

func (d document[F, P]) read() (F, error) {
	var file F
	found, err := readTOMLFile(d.path, &file)
	if err != nil {
		var zero F
		return zero, fmt.Errorf("%s: %w", d.name, err)
	}
	if !found {
		var empty F
		file = empty
	}
	if err := P(&file).validateVersion(); err != nil {
		var zero F
		return zero, err
	}
	P(&file).applyDefaults()
	return file, nil
}

// upsertByID replaces the entry with the same id or appends it.
func upsertByID[E any](entries []E, entry E, id func(E) string) []E {
	for i := range entries {
		if id(entries[i]) == id(entry) {
			entries[i] = entry
			return entries
		}
	}
	return append(entries, entry)
}

// removeByID drops the entry with the given id and reports whether it existed.
func removeByID[E any](entries []E, target string, id func(E) string) ([]E, bool) {
	kept := entries[:0]
	for _, entry := range entries {
		if id(entry) != target {
			kept = append(kept, entry)
		}
	}
	return kept, len(kept) != len(entries)
}

func findByID[E any](entries []E, target string, id func(E) string) (E, bool) {
	for _, entry := range entries {
		if id(entry) == target {
			return entry, true
		}
	}
	var zero E
	return zero, false
}

// resolvePath reads key from cfg, defaulting to ~/.ag-wakeup/<file>.
func resolvePath(cfg *viper.Viper, key, file string) (string, error) {
	if cfg == nil {
		cfg = viper.New()
	}

	path := strings.TrimSpace(cfg.GetString(key))
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(homeDir, configDir, file)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", key, err)
	}

	return filepath.Clean(absPath), nil
}

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}

	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}

// readTOMLFile decodes path into out. A missing file is not an error.
func readTOMLFile(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read: %w", err)
	}

	if err := toml.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode: %w", err)
	}
	return true, nil
}

// writeTOMLFile replaces path atomically with a 0600 file.
func writeTOMLFile(path string, file any) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}
