package sources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azure/brand-mentions-bot/internal/storage"
)

func TestCheckpoints_AdvanceOnlyMovesForward(t *testing.T) {
	cp := NewCheckpoints()
	later := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

	cp.Advance("posts:aves", later)
	cp.Advance("posts:aves", later.Add(-time.Hour))

	assert.Equal(t, later, cp.HighWater("posts:aves"))
	assert.True(t, cp.HighWater("comments:aves").IsZero())
}

func TestCheckpoints_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	blobs, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)

	// Nothing persisted yet
	cp := NewCheckpoints()
	require.NoError(t, cp.Load(ctx, blobs))
	assert.Empty(t, cp.Snapshot())

	mark := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	cp.Advance("posts:aves", mark)
	require.NoError(t, cp.Save(ctx, blobs))

	restored := NewCheckpoints()
	require.NoError(t, restored.Load(ctx, blobs))
	assert.True(t, mark.Equal(restored.HighWater("posts:aves")))

	// Unchanged marks are not written again
	require.NoError(t, blobs.Delete(ctx, CheckpointsBlob))
	require.NoError(t, cp.Save(ctx, blobs))
	_, err = blobs.Retrieve(ctx, CheckpointsBlob)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
