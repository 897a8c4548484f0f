package sources

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/azure/brand-mentions-bot/internal/models"
)

const redditWebURL = "https://www.reddit.com"

// Comments shorter than this are reactions, not mentions
const minCommentLength = 10

// redditThing is the kind/data envelope Reddit wraps every post and comment in
type redditThing struct {
	Kind string     `json:"kind"`
	Data redditItem `json:"data"`
}

type redditListing struct {
	Data struct {
		After    string        `json:"after"`
		Children []redditThing `json:"children"`
	} `json:"data"`
}

type redditItem struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Title      string  `json:"title"`
	Selftext   string  `json:"selftext"`
	Body       string  `json:"body"`
	Author     string  `json:"author"`
	Subreddit  string  `json:"subreddit"`
	Permalink  string  `json:"permalink"`
	CreatedUTC float64 `json:"created_utc"`
	Score      int     `json:"score"`
}

// post is the intermediate shape every adapter reduces an upstream item to
// before brand matching
type post struct {
	fullname  string
	kind      models.MentionType
	subreddit string
	author    string
	title     string
	body      string
	permalink string
	score     int
	createdAt time.Time
}

func (t redditThing) toPost() (post, error) {
	var kind models.MentionType
	var prefix string
	switch t.Kind {
	case "t3":
		kind, prefix = models.TypePost, "t3_"
	case "t1":
		kind, prefix = models.TypeComment, "t1_"
	default:
		return post{}, fmt.Errorf("%w: unknown thing kind %q", ErrMalformedPayload, t.Kind)
	}

	d := t.Data
	fullname := d.Name
	if fullname == "" && d.ID != "" {
		fullname = prefix + d.ID
	}
	if fullname == "" || !strings.HasPrefix(fullname, prefix) {
		return post{}, fmt.Errorf("%w: missing or mismatched id %q", ErrMalformedPayload, fullname)
	}
	if d.CreatedUTC <= 0 {
		return post{}, fmt.Errorf("%w: %s has no creation time", ErrMalformedPayload, fullname)
	}

	p := post{
		fullname:  fullname,
		kind:      kind,
		subreddit: d.Subreddit,
		author:    d.Author,
		permalink: d.Permalink,
		score:     d.Score,
		createdAt: time.Unix(int64(d.CreatedUTC), 0).UTC(),
	}
	if kind == models.TypePost {
		p.title = html.UnescapeString(d.Title)
		p.body = html.UnescapeString(d.Selftext)
	} else {
		p.body = html.UnescapeString(d.Body)
	}
	return p, nil
}

// candidates fans a post out into one candidate mention per matched brand
func (p post) candidates(matcher *BrandMatcher, via string, discoveredAt time.Time) []models.Mention {
	if p.kind == models.TypeComment && utf8.RuneCountInString(strings.TrimSpace(p.body)) < minCommentLength {
		return nil
	}

	text := p.body
	if p.title != "" {
		text = p.title + "\n" + p.body
	}
	brands := matcher.Match(text)
	if len(brands) == 0 {
		return nil
	}

	author := p.author
	if author == "" {
		author = models.DeletedAuthor
	}
	permalink := p.permalink
	if strings.HasPrefix(permalink, "/") {
		permalink = redditWebURL + permalink
	}

	mentions := make([]models.Mention, 0, len(brands))
	for _, brand := range brands {
		mentions = append(mentions, models.Mention{
			ID:            models.MentionID(brand, p.fullname),
			Brand:         brand,
			UpstreamID:    p.fullname,
			Type:          p.kind,
			Subreddit:     p.subreddit,
			Author:        author,
			Title:         p.title,
			Body:          p.body,
			Permalink:     permalink,
			Score:         p.score,
			CreatedAt:     p.createdAt,
			DiscoveredVia: via,
			DiscoveredAt:  discoveredAt,
		})
	}
	return mentions
}
