package toml

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentUpdateSkipsWriteWhenMutateFails(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "accounts.toml")
	cfg := viper.New()
	cfg.Set(accountsPathKey, path)

	doc, err := newDocument[fileSchema](cfg, accountsPathKey, accountsConfigFile, "accounts file")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = doc.update(context.Background(), func(file *fileSchema) error {
		file.Accounts = append(file.Accounts, accountSchema{ID: "acc-1"})
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, statErr := os.Stat(path)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))

	file, err := doc.view(context.Background())
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, file.Version)
	assert.Empty(t, file.Accounts)
}

func TestDocumentLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := viper.New()
	cfg.Set(groupsPathKey, filepath.Join(dir, "groups.toml"))

	doc, err := newDocument[groupsFileSchema](cfg, groupsPathKey, groupsConfigFile, "groups file")
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "a"} {
		require.NoError(t, doc.update(context.Background(), func(file *groupsFileSchema) error {
			file.Groups = upsertByID(file.Groups, groupSchema{ID: id, Members: []string{}}, groupKey)
			return nil
		}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "groups.toml", entries[0].Name())

	file, err := doc.view(context.Background())
	require.NoError(t, err)
	assert.Len(t, file.Groups, 2)
}

func TestEntryHelpers(t *testing.T) {
	t.Parallel()

	entries := []accountSchema{{ID: "a", Email: "old"}, {ID: "b"}}

	entries = upsertByID(entries, accountSchema{ID: "a", Email: "new"}, accountKey)
	require.Len(t, entries, 2)
	assert.Equal(t, "new", entries[0].Email)

	entries = upsertByID(entries, accountSchema{ID: "c"}, accountKey)
	require.Len(t, entries, 3)

	found, ok := findByID(entries, "b", accountKey)
	require.True(t, ok)
	assert.Equal(t, "b", found.ID)

	entries, removed := removeByID(entries, "b", accountKey)
	assert.True(t, removed)
	assert.Len(t, entries, 2)

	_, removed = removeByID(entries, "zzz", accountKey)
	assert.False(t, removed)
}
