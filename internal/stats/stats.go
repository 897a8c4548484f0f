// Package stats turns stored mention rows into the per-brand numbers the
// dashboard shows. Everything here is computed on read and never persisted.
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/azure/brand-mentions-bot/internal/models"
	"github.com/azure/brand-mentions-bot/internal/storage"
)

// NeutralScore is the perception score of a brand with no sentiment data
const NeutralScore = 50

const defaultTrendingDays = 7

// ErrInvalidTimezone is returned when a weekly query names an unknown zone
var ErrInvalidTimezone = errors.New("invalid timezone")

// Engine answers statistics queries against the mention store
type Engine struct {
	store storage.MentionStore
	now   func() time.Time
}

// NewEngine creates an aggregation engine over store
func NewEngine(store storage.MentionStore) *Engine {
	return &Engine{store: store, now: time.Now}
}

// WithClock replaces the engine clock; used by tests
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Stats computes the snapshot of one brand. tzOffset is the caller's offset in
// minutes as UTC minus local time, so UTC-5 is 300 and UTC+2 is -120.
func (e *Engine) Stats(ctx context.Context, brand string, tzOffset int) (*models.Snapshot, error) {
	loc := time.FixedZone("", -tzOffset*60)
	local := e.now().In(loc)
	startOfDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	daily, err := e.store.CountByType(ctx, brand, startOfDay)
	if err != nil {
		return nil, fmt.Errorf("daily counts for %s: %w", brand, err)
	}

	total, err := e.store.CountByType(ctx, brand, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("total counts for %s: %w", brand, err)
	}

	sentiment, err := e.store.SentimentCounts(ctx, brand)
	if err != nil {
		return nil, fmt.Errorf("sentiment counts for %s: %w", brand, err)
	}

	sources, err := e.store.SourceCounts(ctx, brand)
	if err != nil {
		return nil, fmt.Errorf("source counts for %s: %w", brand, err)
	}

	return &models.Snapshot{
		Brand:     brand,
		Daily:     daily,
		Total:     total,
		Sentiment: sentiment,
		Score:     PerceptionScore(sentiment.Positive, sentiment.Neutral, sentiment.Negative),
		Sources:   sources,
	}, nil
}

// Weekly buckets a brand's mentions by local day for the Monday to Sunday week
// weekOffset weeks away from the current one in the named zone. Days without
// mentions are absent from the result.
func (e *Engine) Weekly(ctx context.Context, brand string, weekOffset int, tz string) (map[string]models.DayCount, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, tz)
	}

	start, end := weekBounds(e.now().In(loc), weekOffset)
	days, err := e.store.DailyCounts(ctx, brand, start, end, loc)
	if err != nil {
		return nil, fmt.Errorf("weekly counts for %s: %w", brand, err)
	}
	return days, nil
}

// weekBounds returns local midnight of the Monday of the target week and of the
// following Monday. Building both from calendar dates keeps DST weeks correct.
func weekBounds(local time.Time, weekOffset int) (time.Time, time.Time) {
	sinceMonday := (int(local.Weekday()) + 6) % 7
	day := local.Day() - sinceMonday + 7*weekOffset
	start := time.Date(local.Year(), local.Month(), day, 0, 0, 0, 0, local.Location())
	end := time.Date(local.Year(), local.Month(), day+7, 0, 0, 0, 0, local.Location())
	return start, end
}

// PerceptionScore maps a sentiment distribution to 0..100 as
// 100 * (positive + neutral/2) / total, rounding halves up.
func PerceptionScore(positive, neutral, negative int) int {
	total := positive + neutral + negative
	if total <= 0 {
		return NeutralScore
	}
	return (200*positive + 100*neutral + total) / (2 * total)
}

// Compare computes snapshots for several brands in the order given
func (e *Engine) Compare(ctx context.Context, brands []string, tzOffset int) ([]models.Snapshot, error) {
	snapshots := make([]models.Snapshot, 0, len(brands))
	for _, brand := range brands {
		snap, err := e.Stats(ctx, brand, tzOffset)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *snap)
	}
	return snapshots, nil
}

// Trending ranks the subreddits discussing a brand over the last days days
func (e *Engine) Trending(ctx context.Context, brand string, days int) ([]models.SubredditTrend, error) {
	if days <= 0 {
		days = defaultTrendingDays
	}
	since := e.now().Add(-time.Duration(days) * 24 * time.Hour)

	trends, err := e.store.TrendingSubreddits(ctx, brand, since, 0)
	if err != nil {
		return nil, fmt.Errorf("trending subreddits for %s: %w", brand, err)
	}
	if trends == nil {
		trends = []models.SubredditTrend{}
	}
	return trends, nil
}
