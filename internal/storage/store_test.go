// File: internal/storage/store_test.go
package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kexley/coinloop/internal/storage"
)

func openStore(t *testing.T, path string) *storage.Store {
	t.Helper()
	s, err := storage.Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestStore_GetSet verifies the basic round trip and the missing-key shape.
func TestStore_GetSet(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "kv.db"))

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "a", "1"))
	value, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", value)

	// Set replaces.
	require.NoError(t, s.Set(ctx, "a", "2"))
	value, _, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2", value)
}

// TestStore_Delete verifies deletion, including of an absent key.
func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "kv.db"))

	require.NoError(t, s.Set(ctx, "a", "1"))
	require.NoError(t, s.Delete(ctx, "a"))
	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, s.Delete(ctx, "never-existed"))
}

// TestStore_DeletePrefix verifies the prefix purge counts rows and leaves
// unrelated keys.
func TestStore_DeletePrefix(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "kv.db"))

	require.NoError(t, s.Set(ctx, "cache/a", "1"))
	require.NoError(t, s.Set(ctx, "cache/b", "2"))
	require.NoError(t, s.Set(ctx, "state/x", "3"))

	n, err := s.DeletePrefix(ctx, "cache/")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, ok, err := s.Get(ctx, "state/x")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestStore_Keys verifies prefix listing is filtered and sorted.
func TestStore_Keys(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "kv.db"))

	require.NoError(t, s.Set(ctx, "cache/b", "2"))
	require.NoError(t, s.Set(ctx, "cache/a", "1"))
	require.NoError(t, s.Set(ctx, "state/x", "3"))

	keys, err := s.Keys(ctx, "cache/")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache/a", "cache/b"}, keys)
}

// TestStore_PersistsAcrossReopen verifies the file-backed store survives a
// close and reopen.
func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	first, err := storage.Open(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "a", "kept"))
	require.NoError(t, first.Close())

	second := openStore(t, path)
	value, ok, err := second.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "kept", value)
}
