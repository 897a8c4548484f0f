package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/azure/brand-mentions-bot/internal/models"
	"github.com/azure/brand-mentions-bot/internal/sources"
	"github.com/azure/brand-mentions-bot/internal/storage"
)

// AdmitOutcome is the result of offering a candidate to the engine
type AdmitOutcome string

const (
	Inserted         AdmitOutcome = "inserted"
	DuplicateIgnored AdmitOutcome = "duplicate_ignored"
)

// SourceCounters counts what one adapter offered the engine
type SourceCounters struct {
	Source     string `json:"source"`
	Admitted   int64  `json:"admitted"`
	Duplicates int64  `json:"duplicates"`
	Malformed  int64  `json:"malformed"`
}

// Engine is the single writer of the mention store. It turns candidates from
// every adapter into at most one record per (brand, upstream id).
type Engine struct {
	store    storage.MentionStore
	now      func() time.Time
	mu       sync.Mutex
	counters map[string]*SourceCounters
}

// NewEngine creates a dedup engine writing to store
func NewEngine(store storage.MentionStore) *Engine {
	return &Engine{
		store:    store,
		now:      time.Now,
		counters: make(map[string]*SourceCounters),
	}
}

// Admit inserts the candidate unless its identity key is already stored. The
// first admitted version wins; later sightings never change the record.
func (e *Engine) Admit(ctx context.Context, m models.Mention) (AdmitOutcome, error) {
	if err := validateCandidate(&m); err != nil {
		e.count(m.DiscoveredVia, func(c *SourceCounters) { c.Malformed++ })
		return "", err
	}

	m.ID = models.MentionID(m.Brand, m.UpstreamID)
	m.CreatedAt = m.CreatedAt.UTC()
	if m.DiscoveredAt.IsZero() {
		m.DiscoveredAt = e.now().UTC()
	}
	if m.Author == "" {
		m.Author = models.DeletedAuthor
	}

	inserted, err := e.store.Insert(ctx, &m)
	if err != nil {
		return "", fmt.Errorf("failed to admit %s: %w", m.ID, err)
	}

	if !inserted {
		e.count(m.DiscoveredVia, func(c *SourceCounters) { c.Duplicates++ })
		return DuplicateIgnored, nil
	}

	e.count(m.DiscoveredVia, func(c *SourceCounters) { c.Admitted++ })
	logrus.WithFields(logrus.Fields{
		"mention_id": m.ID,
		"brand":      m.Brand,
		"source":     m.DiscoveredVia,
		"subreddit":  m.Subreddit,
	}).Debug("Admitted new mention")
	return Inserted, nil
}

func validateCandidate(m *models.Mention) error {
	var problems []string

	if m.Brand == "" {
		problems = append(problems, "missing brand")
	}
	if !m.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown type %q", m.Type))
	}

	switch {
	case m.UpstreamID == "":
		problems = append(problems, "missing upstream id")
	case m.Type == models.TypePost && !strings.HasPrefix(m.UpstreamID, "t3_"):
		problems = append(problems, "post id must start with t3_")
	case m.Type == models.TypeComment && !strings.HasPrefix(m.UpstreamID, "t1_"):
		problems = append(problems, "comment id must start with t1_")
	}

	if m.CreatedAt.IsZero() {
		problems = append(problems, "missing creation time")
	}
	if m.DiscoveredVia == "" {
		problems = append(problems, "missing discovering adapter")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", sources.ErrMalformedPayload, strings.Join(problems, ", "))
	}
	return nil
}

func (e *Engine) count(source string, update func(c *SourceCounters)) {
	if source == "" {
		source = "unknown"
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.counters[source]
	if !ok {
		c = &SourceCounters{Source: source}
		e.counters[source] = c
	}
	update(c)
}

// Counters returns per-adapter admission counters ordered by source name
func (e *Engine) Counters() []SourceCounters {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]SourceCounters, 0, len(e.counters))
	for _, c := range e.counters {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
