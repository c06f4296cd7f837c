// SPDX-License-Identifier: AGPL-3.0-only
package capability

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/skigim/nightingale-autosave/internal/kvstore"
	"github.com/skigim/nightingale-autosave/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "autosave.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return NewStore(kv)
}

func pickerFor(dir string) Picker {
	return func(ctx context.Context) (string, bool, error) {
		return dir, true, nil
	}
}

func cancellingPicker(ctx context.Context) (string, bool, error) {
	return "", false, nil
}

func TestGate_NilProviderIsUnsupported(t *testing.T) {
	g := NewGate(nil, newTestStore(t))
	ctx := context.Background()

	assert.Equal(t, model.PermissionUnsupported, g.State())
	assert.Equal(t, model.PermissionUnsupported, g.CheckPermission(ctx))
	assert.Equal(t, model.PermissionUnsupported, g.Restore(ctx))

	_, err := g.RequestPermission(ctx)
	assert.Error(t, err)
	_, err = g.Connect(ctx)
	assert.Error(t, err)
}

func TestGate_CheckWithoutHandleIsPrompt(t *testing.T) {
	g := NewGate(NewDirProvider(pickerFor(t.TempDir())), newTestStore(t))
	assert.Equal(t, model.PermissionPrompt, g.CheckPermission(context.Background()))
}

func TestGate_ConnectGrantsAndPersists(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t)
	g := NewGate(NewDirProvider(pickerFor(dir)), store)
	ctx := context.Background()

	ok, err := g.Connect(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.PermissionGranted, g.State())

	// Handle was persisted for the next session
	h := store.Get(ctx)
	require.NotNil(t, h)
	assert.Equal(t, dir, h.Path)

	dest, err := g.TargetPath("data.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data.json"), dest)
}

func TestGate_ConnectCancelledIsNotAnError(t *testing.T) {
	g := NewGate(NewDirProvider(cancellingPicker), newTestStore(t))

	ok, err := g.Connect(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.PermissionPrompt, g.State())
}

func TestGate_RestoreResumesStoredHandle(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t)
	ctx := context.Background()

	first := NewGate(NewDirProvider(pickerFor(dir)), store)
	ok, err := first.Connect(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A new session restores without a fresh user gesture
	second := NewGate(NewDirProvider(cancellingPicker), store)
	assert.Equal(t, model.PermissionGranted, second.Restore(ctx))
}

func TestGate_RestoreRevokedGrantComesBackAsPrompt(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "granted")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	store := newTestStore(t)
	ctx := context.Background()

	g := NewGate(NewDirProvider(pickerFor(dir)), store)
	ok, err := g.Connect(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// The grant vanishes out-of-band
	require.NoError(t, os.RemoveAll(dir))

	second := NewGate(NewDirProvider(cancellingPicker), store)
	assert.Equal(t, model.PermissionPrompt, second.Restore(ctx))

	_, err = second.TargetPath("data.json")
	assert.Error(t, err)
}

func TestGate_DisconnectClearsHandle(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t)
	ctx := context.Background()

	g := NewGate(NewDirProvider(pickerFor(dir)), store)
	ok, err := g.Connect(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, g.Disconnect(ctx))
	assert.Equal(t, model.PermissionPrompt, g.State())
	assert.Nil(t, store.Get(ctx))
}

func TestStore_CorruptSlotSelfHeals(t *testing.T) {
	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "autosave.db"))
	require.NoError(t, err)
	defer kv.Close()
	ctx := context.Background()

	require.NoError(t, kv.Put(ctx, "directory-handle", []byte("{not json")))

	store := NewStore(kv)
	assert.Nil(t, store.Get(ctx))

	// Slot was cleared, not left corrupt
	raw, err := kv.Get(ctx, "directory-handle")
	require.NoError(t, err)
	assert.Nil(t, raw)
}
