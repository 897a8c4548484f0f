package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/azure/brand-mentions-bot/internal/storage"
)

// CheckpointsBlob is the blob name high-water marks are persisted under
const CheckpointsBlob = "checkpoints.json"

// Checkpoints keeps the newest creation time seen per listing so polling
// resumes where it left off after a restart
type Checkpoints struct {
	mu      sync.RWMutex
	marks   map[string]time.Time
	version int
	saved   int
}

// NewCheckpoints returns an empty set of high-water marks
func NewCheckpoints() *Checkpoints {
	return &Checkpoints{marks: make(map[string]time.Time)}
}

func checkpointKey(listing, subreddit string) string {
	return listing + ":" + subreddit
}

// HighWater returns the mark for key, zero when unknown
func (c *Checkpoints) HighWater(key string) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.marks[key]
}

// Advance moves the mark for key forward; marks never move back
func (c *Checkpoints) Advance(key string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.marks[key]) {
		c.marks[key] = t
		c.version++
	}
}

// Snapshot copies the current marks
func (c *Checkpoints) Snapshot() map[string]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]time.Time, len(c.marks))
	for k, v := range c.marks {
		out[k] = v
	}
	return out
}

// Load replaces the marks with the persisted copy. A missing blob is not an error.
func (c *Checkpoints) Load(ctx context.Context, blobs storage.BlobStore) error {
	data, err := blobs.Retrieve(ctx, CheckpointsBlob)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load checkpoints: %w", err)
	}

	marks := make(map[string]time.Time)
	if err := json.Unmarshal(data, &marks); err != nil {
		return fmt.Errorf("failed to decode checkpoints: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks = marks
	c.saved = c.version
	return nil
}

// Save persists the marks when they changed since the last save
func (c *Checkpoints) Save(ctx context.Context, blobs storage.BlobStore) error {
	c.mu.RLock()
	if c.version == c.saved {
		c.mu.RUnlock()
		return nil
	}
	version := c.version
	data, err := json.Marshal(c.marks)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode checkpoints: %w", err)
	}

	if err := blobs.Store(ctx, CheckpointsBlob, data); err != nil {
		return fmt.Errorf("failed to save checkpoints: %w", err)
	}

	c.mu.Lock()
	if version > c.saved {
		c.saved = version
	}
	c.mu.Unlock()
	return nil
}
