package sources

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/mmcdole/gofeed"
	"github.com/sirupsen/logrus"

	"github.com/azure/brand-mentions-bot/internal/governor"
	"github.com/azure/brand-mentions-bot/internal/models"
)

var commentsPathPattern = regexp.MustCompile(`/comments/([a-z0-9]+)`)

// FeedConfig configures the feed adapter
type FeedConfig struct {
	BaseURL    string
	UserAgent  string
	Subreddits []string
	Timeout    time.Duration
}

// FeedSource reads the public Atom feed of new posts per subreddit. Feeds carry
// posts only, so this adapter never produces comment mentions.
type FeedSource struct {
	config   FeedConfig
	client   *resty.Client
	parser   *gofeed.Parser
	matcher  *BrandMatcher
	governor *governor.Governor
	now      func() time.Time
}

// NewFeedSource creates the feed adapter
func NewFeedSource(cfg FeedConfig, matcher *BrandMatcher, gov *governor.Governor) *FeedSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &FeedSource{
		config:   cfg,
		client:   resty.New().SetTimeout(cfg.Timeout).SetHeader("User-Agent", cfg.UserAgent),
		parser:   gofeed.NewParser(),
		matcher:  matcher,
		governor: gov,
		now:      time.Now,
	}
}

func (f *FeedSource) GetName() string {
	return models.SourceFeed
}

func (f *FeedSource) IsEnabled() bool {
	return len(f.config.Subreddits) > 0
}

func (f *FeedSource) FetchMentions(ctx context.Context) ([]models.Mention, error) {
	if !f.IsEnabled() {
		logrus.Debug("Feed source disabled - no subreddits configured")
		return nil, nil
	}

	discoveredAt := f.now().UTC()
	var allMentions []models.Mention
	var errs []error

	for _, subreddit := range f.config.Subreddits {
		items, err := f.fetchFeed(ctx, subreddit)
		if err != nil {
			if errors.Is(err, ErrRateLimited) || ctx.Err() != nil {
				return allMentions, err
			}
			logrus.WithField("subreddit", subreddit).Errorf("Failed to fetch feed: %v", err)
			errs = append(errs, err)
			continue
		}

		for _, item := range items {
			p, err := entryToPost(item, subreddit)
			if err != nil {
				logrus.Debugf("Skipping feed entry: %v", err)
				continue
			}
			allMentions = append(allMentions, p.candidates(f.matcher, f.GetName(), discoveredAt)...)
		}
	}

	if len(errs) == len(f.config.Subreddits) {
		return allMentions, errors.Join(errs...)
	}
	return allMentions, nil
}

func (f *FeedSource) fetchFeed(ctx context.Context, subreddit string) ([]*gofeed.Item, error) {
	if err := f.governor.Wait(ctx, f.GetName()); err != nil {
		return nil, err
	}

	resp, err := f.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("%s/r/%s/new/.rss", f.config.BaseURL, subreddit))
	if err := checkResponse(f.governor, f.GetName(), resp, err); err != nil {
		return nil, err
	}

	feed, err := f.parser.ParseString(resp.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return feed.Items, nil
}

func entryToPost(item *gofeed.Item, subreddit string) (post, error) {
	fullname := item.GUID
	if !strings.HasPrefix(fullname, "t3_") {
		match := commentsPathPattern.FindStringSubmatch(item.Link)
		if match == nil {
			return post{}, fmt.Errorf("%w: entry %q has no post id", ErrMalformedPayload, item.GUID)
		}
		fullname = "t3_" + match[1]
	}

	var createdAt time.Time
	switch {
	case item.PublishedParsed != nil:
		createdAt = item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		createdAt = item.UpdatedParsed.UTC()
	default:
		return post{}, fmt.Errorf("%w: entry %s has no timestamp", ErrMalformedPayload, fullname)
	}

	author := ""
	if item.Author != nil {
		author = strings.TrimPrefix(item.Author.Name, "/u/")
	}

	return post{
		fullname:  fullname,
		kind:      models.TypePost,
		subreddit: subreddit,
		author:    author,
		title:     strings.TrimSpace(item.Title),
		body:      selftextFromHTML(item.Content),
		permalink: item.Link,
		createdAt: createdAt,
	}, nil
}

// selftextFromHTML extracts the post body from the rendered entry content.
// Link posts have no markdown block and yield an empty body.
func selftextFromHTML(content string) string {
	if content == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("div.md").Text())
}
