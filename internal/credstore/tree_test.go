// ABOUTME: Tests for the directory <-> Files conversions
// ABOUTME: Covers round trips, path guarding and the binary content check used by export

package credstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTreeReadTree_RoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "session")
	files := Files{
		CredentialsFile:           []byte(`{"access_token":"abc"}`),
		"crypto/olm.db":           {0x00, 0xff, 0x10, 0x80},
		"Default/Local Storage/x": []byte("nested"),
		"empty":                   {},
	}

	require.NoError(t, WriteTree(root, files))

	got, err := ReadTree(root)
	require.NoError(t, err)
	assert.Equal(t, files, got)
}

func TestReadTree_MissingRoot(t *testing.T) {
	got, err := ReadTree(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadTree_SkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "real"), []byte("x"), 0o600))
	require.NoError(t, os.Symlink("real", filepath.Join(root, "SingletonLock")))

	got, err := ReadTree(root)
	require.NoError(t, err)
	assert.Equal(t, Files{"real": []byte("x")}, got)
}

func TestWriteTree_RejectsUnsafePathsBeforeWriting(t *testing.T) {
	root := filepath.Join(t.TempDir(), "session")

	err := WriteTree(root, Files{
		"ok.json":      []byte("{}"),
		"../escape.sh": []byte("boom"),
	})
	require.ErrorIs(t, err, ErrUnsafePath)

	_, statErr := os.Stat(root)
	assert.True(t, os.IsNotExist(statErr), "nothing should be written")
}

func TestCheckPath(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
	}{
		{"credentials.json", true},
		{"a/b/c.txt", true},
		{"a/../b", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../x", false},
		{"a/../../x", false},
		{"/etc/passwd", false},
		{`..\x`, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := CheckPath(tt.path)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrUnsafePath)
			}
		})
	}
}

func TestHasContent(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, HasContent(dir), "empty dir")
	assert.False(t, HasContent(filepath.Join(dir, "missing")), "missing dir")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.lock"), nil, 0o600))
	assert.False(t, HasContent(dir), "only hidden and lock files")

	require.NoError(t, os.Mkdir(filepath.Join(dir, "Default"), 0o700))
	assert.True(t, HasContent(dir))
}
