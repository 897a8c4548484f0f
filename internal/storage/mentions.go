package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/azure/brand-mentions-bot/internal/models"
)

// Schema is portable between SQLite and Postgres. Timestamps are unix seconds.
const Schema = `
CREATE TABLE IF NOT EXISTS mentions (
	id              TEXT PRIMARY KEY,
	brand           TEXT NOT NULL,
	upstream_id     TEXT NOT NULL,
	type            TEXT NOT NULL,
	subreddit       TEXT NOT NULL,
	author          TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	body            TEXT NOT NULL DEFAULT '',
	permalink       TEXT NOT NULL,
	score           INTEGER NOT NULL DEFAULT 0,
	created_at      BIGINT NOT NULL,
	discovered_via  TEXT NOT NULL,
	discovered_at   BIGINT NOT NULL,
	sentiment       TEXT,
	sentiment_score DOUBLE PRECISION,
	deleted         INTEGER NOT NULL DEFAULT 0,
	UNIQUE (brand, upstream_id)
);
CREATE INDEX IF NOT EXISTS idx_mentions_brand_created ON mentions(brand, created_at);
CREATE INDEX IF NOT EXISTS idx_mentions_subreddit ON mentions(subreddit);
CREATE INDEX IF NOT EXISTS idx_mentions_sentiment ON mentions(sentiment);
CREATE INDEX IF NOT EXISTS idx_mentions_discovered ON mentions(discovered_via, discovered_at);
`

const (
	defaultPageSize = 100
	defaultMaxPage  = 500
)

// exportBatchSize bounds how many rows Export reads per query
var exportBatchSize = 500

var mentionColumns = []string{
	"id", "brand", "upstream_id", "type", "subreddit", "author", "title", "body", "permalink",
	"score", "created_at", "discovered_via", "discovered_at", "sentiment", "sentiment_score", "deleted",
}

// SQLStore implements MentionStore on database/sql
type SQLStore struct {
	db          *sql.DB
	sb          sq.StatementBuilderType
	maxPageSize int
}

var _ MentionStore = (*SQLStore)(nil)

// OpenSQLStore opens the mention database named by dsn and creates the schema.
// DSNs starting with postgres:// or postgresql:// use Postgres; anything else is
// a SQLite file path or URI.
func OpenSQLStore(dsn string, maxPageSize int) (*SQLStore, error) {
	if maxPageSize <= 0 {
		maxPageSize = defaultMaxPage
	}

	driver, placeholders := dialect(dsn)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite" {
		// SQLite only supports one writer; a single connection serialises
		// writes and WAL keeps readers from blocking on it.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)

		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLStore{
		db:          db,
		sb:          sq.StatementBuilder.PlaceholderFormat(placeholders),
		maxPageSize: maxPageSize,
	}, nil
}

// dialect picks the driver and placeholder style for dsn
func dialect(dsn string) (string, sq.PlaceholderFormat) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", sq.Dollar
	}
	return "sqlite", sq.Question
}

// Insert adds the mention unless its identity key already exists.
// The unique constraint makes concurrent inserts of one key race-free.
func (s *SQLStore) Insert(ctx context.Context, m *models.Mention) (bool, error) {
	if m == nil || m.ID == "" || m.Brand == "" || m.UpstreamID == "" {
		return false, fmt.Errorf("%w: mention id, brand and upstream id are required", ErrInvalidInput)
	}

	var sentiment, sentimentScore interface{}
	if m.Sentiment != nil {
		sentiment, sentimentScore = m.Sentiment.Label, m.Sentiment.Score
	}

	query, args, err := s.sb.Insert("mentions").
		Columns(mentionColumns...).
		Values(
			m.ID, m.Brand, m.UpstreamID, string(m.Type), m.Subreddit, m.Author, m.Title, m.Body, m.Permalink,
			m.Score, m.CreatedAt.UTC().Unix(), m.DiscoveredVia, m.DiscoveredAt.UTC().Unix(),
			sentiment, sentimentScore, 0,
		).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert mention %s: %w", m.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert mention %s: %w", m.ID, err)
	}
	return n == 1, nil
}

func (s *SQLStore) pageBounds(f Filter) (page, perPage int) {
	page, perPage = f.Page, f.PerPage
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = defaultPageSize
	}
	if perPage > s.maxPageSize {
		perPage = s.maxPageSize
	}
	return page, perPage
}

func filterConditions(f Filter) sq.And {
	where := sq.And{sq.Eq{"deleted": 0}}
	if f.Brand != "" {
		where = append(where, sq.Eq{"brand": f.Brand})
	}
	switch f.Sentiment {
	case "":
	case models.SentimentNeutral:
		where = append(where, sq.Or{sq.Eq{"sentiment": models.SentimentNeutral}, sq.Eq{"sentiment": nil}})
	default:
		where = append(where, sq.Eq{"sentiment": f.Sentiment})
	}
	if f.Subreddit != "" {
		where = append(where, sq.Expr("LOWER(subreddit) LIKE ?", "%"+strings.ToLower(f.Subreddit)+"%"))
	}
	if !f.From.IsZero() {
		where = append(where, sq.GtOrEq{"created_at": f.From.UTC().Unix()})
	}
	if !f.To.IsZero() {
		where = append(where, sq.LtOrEq{"created_at": f.To.UTC().Unix()})
	}
	return where
}

// List returns one filtered page of mentions, newest first
func (s *SQLStore) List(ctx context.Context, f Filter) (*Page, error) {
	page, perPage := s.pageBounds(f)
	where := filterConditions(f)

	countQuery, countArgs, err := s.sb.Select("COUNT(*)").From("mentions").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count: %w", err)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count mentions: %w", err)
	}

	query, args, err := s.sb.Select(mentionColumns...).From("mentions").Where(where).
		OrderBy("created_at DESC", "id").
		Limit(uint64(perPage)).
		Offset(uint64((page - 1) * perPage)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	results, err := s.queryMentions(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	return &Page{
		Results: results,
		Pagination: Pagination{
			Page:    page,
			PerPage: perPage,
			Total:   total,
			Pages:   (total + perPage - 1) / perPage,
		},
	}, nil
}

// Delete soft-deletes a mention; unknown and already deleted ids succeed
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	query, args, err := s.sb.Update("mentions").Set("deleted", 1).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete mention %s: %w", id, err)
	}
	return nil
}

// SetSentiment writes a sentiment only where none exists yet
func (s *SQLStore) SetSentiment(ctx context.Context, id string, sentiment models.Sentiment) (bool, error) {
	if !models.ValidSentimentLabel(sentiment.Label) {
		return false, fmt.Errorf("%w: sentiment label %q", ErrInvalidInput, sentiment.Label)
	}

	query, args, err := s.sb.Update("mentions").
		Set("sentiment", sentiment.Label).
		Set("sentiment_score", sentiment.Score).
		Where(sq.Eq{"id": id, "sentiment": nil}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build sentiment update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("set sentiment for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set sentiment for %s: %w", id, err)
	}
	return n == 1, nil
}

// ListUnclassified returns the oldest-discovered mentions still lacking a sentiment
func (s *SQLStore) ListUnclassified(ctx context.Context, limit int) ([]models.Mention, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	query, args, err := s.sb.Select(mentionColumns...).From("mentions").
		Where(sq.Eq{"deleted": 0, "sentiment": nil}).
		OrderBy("discovered_at", "id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build unclassified: %w", err)
	}
	return s.queryMentions(ctx, query, args...)
}

// CountByType counts posts and comments for a brand since the given time
func (s *SQLStore) CountByType(ctx context.Context, brand string, since time.Time) (models.TypeCounts, error) {
	var counts models.TypeCounts

	where := sq.And{sq.Eq{"deleted": 0, "brand": brand}}
	if !since.IsZero() {
		where = append(where, sq.GtOrEq{"created_at": since.UTC().Unix()})
	}

	query, args, err := s.sb.Select("type", "COUNT(*)").From("mentions").Where(where).GroupBy("type").ToSql()
	if err != nil {
		return counts, fmt.Errorf("build type counts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return counts, fmt.Errorf("count by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return counts, fmt.Errorf("scan type count: %w", err)
		}
		switch models.MentionType(kind) {
		case models.TypePost:
			counts.Posts = n
		case models.TypeComment:
			counts.Comments = n
		}
	}
	return counts, rows.Err()
}

// SentimentCounts returns the sentiment distribution for a brand
func (s *SQLStore) SentimentCounts(ctx context.Context, brand string) (models.SentimentCounts, error) {
	var counts models.SentimentCounts

	label := "COALESCE(sentiment, 'neutral')"
	query, args, err := s.sb.Select(label, "COUNT(*)").From("mentions").
		Where(sq.Eq{"deleted": 0, "brand": brand}).
		GroupBy(label).
		ToSql()
	if err != nil {
		return counts, fmt.Errorf("build sentiment counts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return counts, fmt.Errorf("count sentiment: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return counts, fmt.Errorf("scan sentiment count: %w", err)
		}
		switch name {
		case models.SentimentPositive:
			counts.Positive += n
		case models.SentimentNegative:
			counts.Negative += n
		default:
			counts.Neutral += n
		}
	}
	return counts, rows.Err()
}

// SourceCounts counts mentions per discovering adapter
func (s *SQLStore) SourceCounts(ctx context.Context, brand string) (map[string]int, error) {
	query, args, err := s.sb.Select("discovered_via", "COUNT(*)").From("mentions").
		Where(sq.Eq{"deleted": 0, "brand": brand}).
		GroupBy("discovered_via").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build source counts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			source string
			n      int
		)
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("scan source count: %w", err)
		}
		counts[source] = n
	}
	return counts, rows.Err()
}

// DailyCounts buckets mentions by local calendar day. The range is read in UTC
// and grouped in Go so SQLite and Postgres agree on zone handling.
func (s *SQLStore) DailyCounts(ctx context.Context, brand string, from, to time.Time, loc *time.Location) (map[string]models.DayCount, error) {
	if loc == nil {
		loc = time.UTC
	}

	query, args, err := s.sb.Select("created_at", "type").From("mentions").
		Where(sq.And{
			sq.Eq{"deleted": 0, "brand": brand},
			sq.GtOrEq{"created_at": from.UTC().Unix()},
			sq.Lt{"created_at": to.UTC().Unix()},
		}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build daily counts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("daily counts: %w", err)
	}
	defer rows.Close()

	days := make(map[string]models.DayCount)
	for rows.Next() {
		var (
			created int64
			kind    string
		)
		if err := rows.Scan(&created, &kind); err != nil {
			return nil, fmt.Errorf("scan daily count: %w", err)
		}
		key := time.Unix(created, 0).In(loc).Format("2006-01-02")
		day := days[key]
		day.Total++
		if models.MentionType(kind) == models.TypePost {
			day.Posts++
		} else {
			day.Comments++
		}
		days[key] = day
	}
	return days, rows.Err()
}

// TrendingSubreddits ranks subreddits by recent mention count
func (s *SQLStore) TrendingSubreddits(ctx context.Context, brand string, since time.Time, limit int) ([]models.SubredditTrend, error) {
	if limit <= 0 {
		limit = 20
	}

	query, args, err := s.sb.Select(
		"subreddit",
		"COUNT(*)",
		"COALESCE(AVG(score), 0)",
		"SUM(CASE WHEN sentiment = 'positive' THEN 1 ELSE 0 END)",
		"SUM(CASE WHEN sentiment = 'negative' THEN 1 ELSE 0 END)",
	).From("mentions").
		Where(sq.And{sq.Eq{"deleted": 0, "brand": brand}, sq.GtOrEq{"created_at": since.UTC().Unix()}}).
		GroupBy("subreddit").
		OrderBy("COUNT(*) DESC", "subreddit").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build trending: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("trending subreddits: %w", err)
	}
	defer rows.Close()

	var trends []models.SubredditTrend
	for rows.Next() {
		var t models.SubredditTrend
		if err := rows.Scan(&t.Subreddit, &t.MentionCount, &t.AvgScore, &t.PositiveMentions, &t.NegativeMentions); err != nil {
			return nil, fmt.Errorf("scan trending: %w", err)
		}
		t.SentimentRatio = 0.5
		if rated := t.PositiveMentions + t.NegativeMentions; rated > 0 {
			t.SentimentRatio = float64(t.PositiveMentions) / float64(rated)
		}
		trends = append(trends, t)
	}
	return trends, rows.Err()
}

// Export walks every non-deleted mention, newest first. Rows are read in
// keyset pages so fn never runs while a query holds a connection.
func (s *SQLStore) Export(ctx context.Context, brand string, fn func(m *models.Mention) error) error {
	var (
		lastCreated int64
		lastID      string
		started     bool
	)

	for {
		where := sq.And{sq.Eq{"deleted": 0}}
		if brand != "" {
			where = append(where, sq.Eq{"brand": brand})
		}
		if started {
			where = append(where, sq.Or{
				sq.Lt{"created_at": lastCreated},
				sq.And{sq.Eq{"created_at": lastCreated}, sq.Gt{"id": lastID}},
			})
		}

		query, args, err := s.sb.Select(mentionColumns...).From("mentions").Where(where).
			OrderBy("created_at DESC", "id").
			Limit(uint64(exportBatchSize)).
			ToSql()
		if err != nil {
			return fmt.Errorf("build export: %w", err)
		}

		batch, err := s.queryMentions(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("export mentions: %w", err)
		}

		for i := range batch {
			if err := fn(&batch[i]); err != nil {
				return err
			}
		}
		if len(batch) < exportBatchSize {
			return nil
		}

		last := batch[len(batch)-1]
		lastCreated, lastID, started = last.CreatedAt.UTC().Unix(), last.ID, true
	}
}

// Recent returns the newest mentions of a brand
func (s *SQLStore) Recent(ctx context.Context, brand string, limit int) ([]models.Mention, error) {
	page, err := s.List(ctx, Filter{Brand: brand, PerPage: limit})
	if err != nil {
		return nil, err
	}
	return page.Results, nil
}

// Status summarizes the whole table for health reporting
func (s *SQLStore) Status(ctx context.Context) (*Status, error) {
	status := &Status{}

	query, args, err := s.sb.Select(
		"COUNT(*)",
		"COUNT(DISTINCT brand)",
		"COUNT(DISTINCT subreddit)",
		"COALESCE(SUM(CASE WHEN sentiment IS NULL THEN 1 ELSE 0 END), 0)",
	).From("mentions").Where(sq.Eq{"deleted": 0}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build status: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&status.TotalMentions, &status.TotalBrands, &status.TotalSubreddits, &status.Unclassified,
	); err != nil {
		return nil, fmt.Errorf("store status: %w", err)
	}

	query, args, err = s.sb.Select("discovered_via", "COUNT(*)", "MAX(discovered_at)").From("mentions").
		Where(sq.Eq{"deleted": 0}).
		GroupBy("discovered_via").
		OrderBy("discovered_via").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build source status: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("source status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			activity SourceActivity
			last     int64
		)
		if err := rows.Scan(&activity.Source, &activity.Count, &last); err != nil {
			return nil, fmt.Errorf("scan source status: %w", err)
		}
		activity.LastUpdate = time.Unix(last, 0).UTC()
		status.Sources = append(status.Sources, activity)
	}
	return status, rows.Err()
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) queryMentions(ctx context.Context, query string, args ...interface{}) ([]models.Mention, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mentions: %w", err)
	}
	defer rows.Close()

	results := make([]models.Mention, 0)
	for rows.Next() {
		m, err := scanMention(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *m)
	}
	return results, rows.Err()
}

func scanMention(rows *sql.Rows) (*models.Mention, error) {
	var (
		m              models.Mention
		kind           string
		created        int64
		discovered     int64
		sentiment      sql.NullString
		sentimentScore sql.NullFloat64
		deleted        int
	)
	err := rows.Scan(
		&m.ID, &m.Brand, &m.UpstreamID, &kind, &m.Subreddit, &m.Author, &m.Title, &m.Body, &m.Permalink,
		&m.Score, &created, &m.DiscoveredVia, &discovered, &sentiment, &sentimentScore, &deleted,
	)
	if err != nil {
		return nil, fmt.Errorf("scan mention: %w", err)
	}

	m.Type = models.MentionType(kind)
	m.CreatedAt = time.Unix(created, 0).UTC()
	m.DiscoveredAt = time.Unix(discovered, 0).UTC()
	m.Deleted = deleted != 0
	if sentiment.Valid {
		m.Sentiment = &models.Sentiment{Label: sentiment.String, Score: sentimentScore.Float64}
	}
	return &m, nil
}
