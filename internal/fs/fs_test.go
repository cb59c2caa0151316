package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "state")

	require.NoError(t, WriteFileAtomic(Default, name, []byte("v1"), 0644))

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	// Overwrite is atomic: no .tmp residue after success.
	require.NoError(t, WriteFileAtomic(Default, name, []byte("v2"), 0644))
	data, err = os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	_, err = os.Stat(name + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	require.NoError(t, CopyFile(Default, src, dst, 0644))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
