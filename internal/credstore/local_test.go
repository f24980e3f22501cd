// ABOUTME: Tests for the filesystem credential store and workspaces
// ABOUTME: Uses temp directories as auth and cache roots

package credstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T, id string) *Local {
	t.Helper()
	base := t.TempDir()
	return NewLocal(filepath.Join(base, "auth"), filepath.Join(base, "cache"), id)
}

func TestLocal_ExtractAbsent(t *testing.T) {
	l := newTestLocal(t, "tenant-a")

	files, err := l.Extract(context.Background())
	require.NoError(t, err)
	assert.Nil(t, files)
	assert.Equal(t, KindLocal, l.Kind())
}

func TestLocal_SaveIsNoOp(t *testing.T) {
	l := newTestLocal(t, "tenant-a")

	require.NoError(t, l.Save(context.Background(), Files{CredentialsFile: []byte("{}")}))

	_, err := os.Stat(l.Dir())
	assert.True(t, os.IsNotExist(err))
}

func TestLocal_ExtractAndDelete(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, "tenant-a")
	require.NoError(t, WriteTree(l.Dir(), Files{CredentialsFile: []byte(`{"t":1}`)}))
	require.NoError(t, WriteTree(l.CacheDir(), Files{"index": []byte("c")}))

	files, err := l.Extract(ctx)
	require.NoError(t, err)
	assert.Equal(t, Files{CredentialsFile: []byte(`{"t":1}`)}, files)

	require.NoError(t, l.Delete(ctx))
	_, err = os.Stat(l.Dir())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(l.CacheDir())
	assert.True(t, os.IsNotExist(err))

	// deleting twice is fine
	require.NoError(t, l.Delete(ctx))
}

func TestWorkspace_LocalWorksInPlace(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, "tenant-a")

	ws, err := OpenWorkspace(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, l.Dir(), ws.Dir)

	require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, CredentialsFile), []byte("{}"), 0o600))
	require.NoError(t, ws.Persist(ctx))
	require.NoError(t, ws.Close())

	// closing an in-place workspace keeps the files
	files, err := l.Extract(ctx)
	require.NoError(t, err)
	assert.Contains(t, files, CredentialsFile)
}

// memStore is a non-local Store used to exercise temporary workspaces.
type memStore struct {
	files Files
	saves int
}

func (m *memStore) Kind() Kind { return KindRemote }

func (m *memStore) Save(_ context.Context, files Files) error {
	m.files = files
	m.saves++
	return nil
}

func (m *memStore) Extract(context.Context) (Files, error) { return m.files, nil }

func (m *memStore) Delete(context.Context) error {
	m.files = nil
	return nil
}

func TestWorkspace_TemporaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := &memStore{files: Files{CredentialsFile: []byte(`{"a":1}`), "keys/device": []byte("d")}}

	ws, err := OpenWorkspace(ctx, store)
	require.NoError(t, err)
	assert.Same(t, Store(store), ws.Store())

	data, err := os.ReadFile(filepath.Join(ws.Dir, "keys", "device"))
	require.NoError(t, err)
	assert.Equal(t, "d", string(data))

	require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, "keys", "new"), []byte("n"), 0o600))
	require.NoError(t, ws.Persist(ctx))
	assert.Equal(t, 1, store.saves)
	assert.Equal(t, []byte("n"), store.files["keys/new"])

	dir := ws.Dir
	require.NoError(t, ws.Close())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestWorkspace_PersistWaitsForCredentials(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}

	ws, err := OpenWorkspace(ctx, store)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, "scratch"), []byte("x"), 0o600))
	require.NoError(t, ws.Persist(ctx))
	assert.Zero(t, store.saves)
}
