// SPDX-License-Identifier: AGPL-3.0-only
package kvstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "autosave.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "directory-handle", []byte(`{"path":"/data"}`)))

	got, err := store.Get(ctx, "directory-handle")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"path":"/data"}`), got)
}

func TestStore_GetMissingSlotIsNil(t *testing.T) {
	store := openTestStore(t)

	got, err := store.Get(context.Background(), "never-written")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_PutReplaces(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "slot", []byte("one")))
	require.NoError(t, store.Put(ctx, "slot", []byte("two")))

	got, err := store.Get(ctx, "slot")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "slot", []byte("x")))
	require.NoError(t, store.Delete(ctx, "slot"))
	require.NoError(t, store.Delete(ctx, "slot"))

	got, err := store.Get(ctx, "slot")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_SchemaCreatedLazily(t *testing.T) {
	// A nested path that does not exist yet exercises WithMkdirAll
	path := filepath.Join(t.TempDir(), "nested", "dir", "autosave.db")
	store, err := Open(path, WithMkdirAll())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(context.Background(), "slot", []byte("x")))
}

func TestStore_ReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autosave.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "slot", []byte("survives")))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(ctx, "slot")
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), got)
}
