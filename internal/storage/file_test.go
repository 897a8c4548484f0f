package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStorage(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	_, err = store.Retrieve(ctx, "checkpoints.json")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Store(ctx, "checkpoints.json", []byte(`{"a":1}`)))
	require.NoError(t, store.Store(ctx, "checkpoints.json", []byte(`{"a":2}`)))
	require.NoError(t, store.Store(ctx, "digests/2024-06-03.json", []byte(`{}`)))

	data, err := store.Retrieve(ctx, "checkpoints.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoints.json", "digests/2024-06-03.json"}, names)

	names, err = store.List(ctx, "digests/")
	require.NoError(t, err)
	assert.Equal(t, []string{"digests/2024-06-03.json"}, names)

	require.NoError(t, store.Delete(ctx, "checkpoints.json"))
	require.NoError(t, store.Delete(ctx, "checkpoints.json"))

	err = store.Store(ctx, "../escape.json", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
