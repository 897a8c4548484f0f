package models

import (
	"fmt"
	"time"
)

// MentionType distinguishes posts from comments
type MentionType string

const (
	TypePost    MentionType = "post"
	TypeComment MentionType = "comment"
)

// Valid reports whether t is a known mention type
func (t MentionType) Valid() bool {
	return t == TypePost || t == TypeComment
}

// Adapter names recorded in DiscoveredVia
const (
	SourceStream = "stream"
	SourcePoll   = "poll"
	SourceFeed   = "feed"
)

// Sentiment labels
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// DeletedAuthor is what Reddit reports for removed or anonymous accounts
const DeletedAuthor = "[deleted]"

// Sentiment is a classifier verdict for one mention
type Sentiment struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// ValidSentimentLabel reports whether label is one of the three known labels
func ValidSentimentLabel(label string) bool {
	switch label {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	}
	return false
}

// Mention represents one brand match in a Reddit post or comment
type Mention struct {
	ID            string      `json:"id"`
	Brand         string      `json:"brand"`
	UpstreamID    string      `json:"upstream_id"` // Reddit fullname, e.g. t3_abc123
	Type          MentionType `json:"type"`
	Subreddit     string      `json:"subreddit"`
	Author        string      `json:"author"`
	Title         string      `json:"title,omitempty"`
	Body          string      `json:"body"`
	Permalink     string      `json:"permalink"`
	Score         int         `json:"score"` // upvotes at capture time
	CreatedAt     time.Time   `json:"created_at"`
	DiscoveredVia string      `json:"discovered_via"`
	DiscoveredAt  time.Time   `json:"discovered_at"`
	Sentiment     *Sentiment  `json:"sentiment"`
	Deleted       bool        `json:"-"`
}

// MentionID builds the stable record id for a brand and upstream item
func MentionID(brand, upstreamID string) string {
	return fmt.Sprintf("%s:%s", brand, upstreamID)
}

// Text returns the content the brand patterns and the classifier look at
func (m *Mention) Text() string {
	if m.Title == "" {
		return m.Body
	}
	return m.Title + " " + m.Body
}

// DisplaySentiment returns the sentiment label, defaulting unclassified mentions to neutral
func (m *Mention) DisplaySentiment() string {
	if m.Sentiment == nil {
		return SentimentNeutral
	}
	return m.Sentiment.Label
}

// TypeCounts splits a mention count by type
type TypeCounts struct {
	Posts    int `json:"posts"`
	Comments int `json:"comments"`
}

// SentimentCounts is a sentiment distribution
type SentimentCounts struct {
	Positive int `json:"positive"`
	Neutral  int `json:"neutral"`
	Negative int `json:"negative"`
}

// Total returns the number of mentions in the distribution
func (s SentimentCounts) Total() int {
	return s.Positive + s.Neutral + s.Negative
}

// DayCount is the per-day entry of a weekly mapping
type DayCount struct {
	Total    int `json:"total"`
	Posts    int `json:"posts"`
	Comments int `json:"comments"`
}

// Snapshot is the derived per-brand statistics view, computed on read
type Snapshot struct {
	Brand     string          `json:"brand"`
	Daily     TypeCounts      `json:"daily"`
	Total     TypeCounts      `json:"total"`
	Sentiment SentimentCounts `json:"sentiment"`
	Score     int             `json:"score"`
	Sources   map[string]int  `json:"sources"`
}

// SubredditTrend summarizes recent activity for a brand in one subreddit
type SubredditTrend struct {
	Subreddit        string  `json:"subreddit"`
	MentionCount     int     `json:"mention_count"`
	AvgScore         float64 `json:"avg_score"`
	PositiveMentions int     `json:"positive_mentions"`
	NegativeMentions int     `json:"negative_mentions"`
	SentimentRatio   float64 `json:"sentiment_ratio"`
}

// Report represents a periodic digest of brand statistics
type Report struct {
	GeneratedAt time.Time  `json:"generated_at"`
	Period      string     `json:"period"`
	Snapshots   []Snapshot `json:"snapshots"`
	Recent      []Mention  `json:"recent"`
}

// TotalMentions returns all-time posts and comments across the report's brands
func (r *Report) TotalMentions() int {
	total := 0
	for _, s := range r.Snapshots {
		total += s.Total.Posts + s.Total.Comments
	}
	return total
}

// Alert represents an operational notification about the pipeline
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // "critical", "urgent", "info"
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
