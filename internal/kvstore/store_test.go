package kvstore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-cfagent/cfagentd/internal/kvstore"
)

func TestMemoryBackend_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	b := kvstore.NewMemoryBackend()

	require.NoError(t, b.Save(ctx, "k1", []byte("v1")))
	v, err := b.Load(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))

	require.NoError(t, b.Delete(ctx, "k1"))
	_, err = b.Load(ctx, "k1")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestMemoryBackend_ListFiltersByPrefix(t *testing.T) {
	ctx := context.Background()
	b := kvstore.NewMemoryBackend()
	require.NoError(t, b.Save(ctx, "pkg:a", []byte("1")))
	require.NoError(t, b.Save(ctx, "pkg:b", []byte("2")))
	require.NoError(t, b.Save(ctx, "other:c", []byte("3")))

	keys, err := b.List(ctx, "pkg:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pkg:a", "pkg:b"}, keys)
}

func TestOpenFileBackend_MissingFileIsEmptyNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	fb, err := kvstore.OpenFileBackend(path)
	require.NoError(t, err)
	assert.False(t, fb.Exists())

	_, err = fb.Load(context.Background(), "anything")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestFileBackend_SavePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.json")
	ctx := context.Background()

	fb, err := kvstore.OpenFileBackend(path)
	require.NoError(t, err)
	require.NoError(t, fb.Save(ctx, "k1", []byte("v1")))
	assert.True(t, fb.Exists())

	reopened, err := kvstore.OpenFileBackend(path)
	require.NoError(t, err)
	v, err := reopened.Load(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))
}

func TestFileBackend_Clear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.json")
	ctx := context.Background()

	fb, err := kvstore.OpenFileBackend(path)
	require.NoError(t, err)
	require.NoError(t, fb.Save(ctx, "k1", []byte("v1")))
	require.NoError(t, fb.Clear(ctx))

	keys, err := fb.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFileBackend_DeleteMissingKeyIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.json")
	fb, err := kvstore.OpenFileBackend(path)
	require.NoError(t, err)
	assert.NoError(t, fb.Delete(context.Background(), "missing"))
}
