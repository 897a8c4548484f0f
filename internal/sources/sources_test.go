package sources

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azure/brand-mentions-bot/internal/governor"
	"github.com/azure/brand-mentions-bot/internal/models"
)

func newTestMatcher(t *testing.T) *BrandMatcher {
	t.Helper()
	m, err := CompileBrandMatcher(map[string]string{
		"iheartraves": `iheartraves|i heart raves`,
		"badinka":     `badinka`,
	})
	require.NoError(t, err)
	return m
}

func newTestGovernor() *governor.Governor {
	g := governor.New(governor.Config{
		BackoffInitial: time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
	})
	for _, source := range []string{models.SourcePoll, models.SourceFeed, models.SourceStream} {
		g.Register(source, 600)
	}
	return g
}

func TestBrandMatcher_Match(t *testing.T) {
	m := newTestMatcher(t)

	tests := []struct {
		name     string
		text     string
		expected []string
	}{
		{"No match", "just a festival recap", nil},
		{"Case insensitive", "Got my BADINKA order", []string{"badinka"}},
		{"Alternate pattern", "I Heart Raves sale today", []string{"iheartraves"}},
		{"Both brands in name order", "iheartraves vs badinka", []string{"badinka", "iheartraves"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, m.Match(tt.text))
		})
	}
	assert.Equal(t, []string{"badinka", "iheartraves"}, m.Brands())
}

func TestCompileBrandMatcher_InvalidPattern(t *testing.T) {
	_, err := CompileBrandMatcher(map[string]string{"broken": "("})
	assert.Error(t, err)
}

func TestRedditThing_ToPost(t *testing.T) {
	tests := []struct {
		name    string
		thing   redditThing
		wantErr bool
		check   func(t *testing.T, p post)
	}{
		{
			name: "Post unescapes entities",
			thing: redditThing{Kind: "t3", Data: redditItem{
				ID: "abc", Title: "Tops &amp; bottoms", Selftext: "&lt;3", Subreddit: "aves", CreatedUTC: 1717416000,
			}},
			check: func(t *testing.T, p post) {
				assert.Equal(t, "t3_abc", p.fullname)
				assert.Equal(t, models.TypePost, p.kind)
				assert.Equal(t, "Tops & bottoms", p.title)
				assert.Equal(t, "<3", p.body)
				assert.Equal(t, time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC), p.createdAt)
			},
		},
		{
			name: "Comment has no title",
			thing: redditThing{Kind: "t1", Data: redditItem{
				Name: "t1_c1", Title: "ignored", Body: "nice", CreatedUTC: 1717416000,
			}},
			check: func(t *testing.T, p post) {
				assert.Equal(t, models.TypeComment, p.kind)
				assert.Empty(t, p.title)
				assert.Equal(t, "nice", p.body)
			},
		},
		{
			name:    "Unknown kind",
			thing:   redditThing{Kind: "t5", Data: redditItem{ID: "x", CreatedUTC: 1}},
			wantErr: true,
		},
		{
			name:    "Missing id",
			thing:   redditThing{Kind: "t3", Data: redditItem{CreatedUTC: 1}},
			wantErr: true,
		},
		{
			name:    "Mismatched fullname",
			thing:   redditThing{Kind: "t3", Data: redditItem{Name: "t1_x", CreatedUTC: 1}},
			wantErr: true,
		},
		{
			name:    "Missing creation time",
			thing:   redditThing{Kind: "t3", Data: redditItem{ID: "x"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.thing.toPost()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedPayload)
				return
			}
			require.NoError(t, err)
			tt.check(t, p)
		})
	}
}

func TestPost_Candidates(t *testing.T) {
	m := newTestMatcher(t)
	discovered := time.Date(2024, 6, 3, 12, 5, 0, 0, time.UTC)
	p := post{
		fullname:  "t3_abc",
		kind:      models.TypePost,
		subreddit: "aves",
		title:     "Badinka haul",
		body:      "also from iheartraves",
		permalink: "/r/aves/comments/abc/haul/",
		createdAt: time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC),
	}

	mentions := p.candidates(m, models.SourcePoll, discovered)
	require.Len(t, mentions, 2)

	assert.Equal(t, "badinka:t3_abc", mentions[0].ID)
	assert.Equal(t, "iheartraves:t3_abc", mentions[1].ID)
	for _, mention := range mentions {
		assert.Equal(t, "t3_abc", mention.UpstreamID)
		assert.Equal(t, models.DeletedAuthor, mention.Author)
		assert.Equal(t, "https://www.reddit.com/r/aves/comments/abc/haul/", mention.Permalink)
		assert.Equal(t, models.SourcePoll, mention.DiscoveredVia)
		assert.Equal(t, discovered, mention.DiscoveredAt)
		assert.Nil(t, mention.Sentiment)
	}

	p.title, p.body = "", "nothing relevant"
	assert.Empty(t, p.candidates(m, models.SourcePoll, discovered))
}

func TestPost_CandidatesSkipsShortComments(t *testing.T) {
	m := newTestMatcher(t)
	discovered := time.Date(2024, 6, 3, 12, 5, 0, 0, time.UTC)

	tests := []struct {
		name     string
		kind     models.MentionType
		body     string
		expected int
	}{
		{"Short comment", models.TypeComment, "badinka!", 0},
		{"Padded short comment", models.TypeComment, "   badinka  ", 0},
		{"Ten character comment", models.TypeComment, "badinka <3", 1},
		{"Short post body", models.TypePost, "badinka", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := post{
				fullname:  "t1_c1",
				kind:      tt.kind,
				subreddit: "aves",
				body:      tt.body,
				createdAt: time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC),
			}
			if tt.kind == models.TypePost {
				p.fullname = "t3_abc"
			}
			assert.Len(t, p.candidates(m, models.SourcePoll, discovered), tt.expected)
		})
	}
}

func TestChunkSubreddits(t *testing.T) {
	chunks := chunkSubreddits([]string{"a", "b", "c", "d", "e", "f", "g"}, 5)
	assert.Equal(t, [][]string{{"a", "b", "c", "d", "e"}, {"f", "g"}}, chunks)
	assert.Empty(t, chunkSubreddits(nil, 5))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-5"))
}
