package blob_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsundoku-io/tsundoku/internal/storage/blob"
)

func TestNewLocal(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := blob.NewLocal(blob.LocalConfig{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := blob.NewLocal(blob.LocalConfig{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		tempFile, err := os.CreateTemp("", "testfile")
		require.NoError(t, err)
		t.Cleanup(func() { _ = os.Remove(tempFile.Name()) })

		_, err = blob.NewLocal(blob.LocalConfig{BaseDir: tempFile.Name()})
		assert.Error(t, err)
	})

	t.Run("CreatesMissingBaseDir", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), "library")
		_, err := blob.NewLocal(blob.LocalConfig{BaseDir: base})
		require.NoError(t, err)
		info, err := os.Stat(base)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
}

func TestLocalPutObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := blob.NewLocal(blob.LocalConfig{BaseDir: tempDir})
	require.NoError(t, err)

	t.Run("ValidPut", func(t *testing.T) {
		path := "source-a/a-1/ch-12/0001.png"
		data := []byte("page-bytes")
		uri, err := store.PutObject(context.Background(), path, "image/png", data)
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, path), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		written, err := os.ReadFile(filepath.Join(tempDir, path))
		require.NoError(t, err)
		assert.Equal(t, data, written)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "image/png", []byte("data"))
		assert.Error(t, err)
	})

	t.Run("PathTraversalRejected", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../outside.png", "image/png", []byte("data"))
		assert.Error(t, err)
	})
}
