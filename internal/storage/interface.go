// Package storage holds the durable state of the bot: the mention table and
// the small blobs (high-water marks) the adapters checkpoint between restarts.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/azure/brand-mentions-bot/internal/models"
)

// ErrNotFound is returned when a blob does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidInput is returned when a caller hands the store an unusable record
var ErrInvalidInput = errors.New("invalid input")

// BlobStore defines the contract for named blob storage
type BlobStore interface {
	Store(ctx context.Context, name string, data []byte) error
	Retrieve(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// Filter narrows a mention listing
type Filter struct {
	Brand     string
	Sentiment string // "neutral" also matches unclassified mentions
	Subreddit string // case-insensitive substring
	From      time.Time
	To        time.Time
	Page      int
	PerPage   int
}

// Pagination describes where a page sits in the full result set
type Pagination struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
	Pages   int `json:"pages"`
}

// Page is one page of a mention listing
type Page struct {
	Results    []models.Mention `json:"results"`
	Pagination Pagination       `json:"pagination"`
}

// SourceActivity summarizes what one adapter contributed
type SourceActivity struct {
	Source     string    `json:"source"`
	Count      int       `json:"count"`
	LastUpdate time.Time `json:"last_update"`
}

// Status is the store-wide view used by the system status endpoint
type Status struct {
	TotalMentions   int              `json:"total_mentions"`
	TotalBrands     int              `json:"total_brands"`
	TotalSubreddits int              `json:"total_subreddits"`
	Unclassified    int              `json:"unclassified"`
	Sources         []SourceActivity `json:"sources"`
}

// MentionStore is the durable, indexed table of admitted mentions.
// Soft-deleted rows are excluded from every read.
type MentionStore interface {
	// Insert adds the mention unless its (brand, upstream_id) key exists.
	// It reports whether a row was created; the check and the insert are atomic.
	Insert(ctx context.Context, m *models.Mention) (bool, error)

	// List returns one filtered page, newest first.
	List(ctx context.Context, f Filter) (*Page, error)

	// Delete soft-deletes a mention. Unknown or already deleted ids are not an error.
	Delete(ctx context.Context, id string) error

	// SetSentiment sets the sentiment of an unclassified mention. It never
	// overwrites an existing value and reports whether it wrote.
	SetSentiment(ctx context.Context, id string, s models.Sentiment) (bool, error)

	// ListUnclassified returns up to limit mentions still lacking a sentiment.
	ListUnclassified(ctx context.Context, limit int) ([]models.Mention, error)

	// CountByType counts posts and comments for a brand created at or after since.
	// A zero since counts all time.
	CountByType(ctx context.Context, brand string, since time.Time) (models.TypeCounts, error)

	// SentimentCounts returns the distribution with unclassified rows counted as neutral.
	SentimentCounts(ctx context.Context, brand string) (models.SentimentCounts, error)

	// SourceCounts counts mentions of a brand per discovering adapter.
	SourceCounts(ctx context.Context, brand string) (map[string]int, error)

	// DailyCounts buckets mentions created in [from, to) by local calendar day in loc.
	DailyCounts(ctx context.Context, brand string, from, to time.Time, loc *time.Location) (map[string]models.DayCount, error)

	// TrendingSubreddits ranks subreddits by mention count since the given time.
	TrendingSubreddits(ctx context.Context, brand string, since time.Time, limit int) ([]models.SubredditTrend, error)

	// Export streams every mention of a brand (all brands when empty), newest first.
	Export(ctx context.Context, brand string, fn func(m *models.Mention) error) error

	// Recent returns the latest mentions of a brand.
	Recent(ctx context.Context, brand string, limit int) ([]models.Mention, error)

	Status(ctx context.Context) (*Status, error)
	Ping(ctx context.Context) error
	Close() error
}
