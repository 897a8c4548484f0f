package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/azure/brand-mentions-bot/internal/governor"
	"github.com/azure/brand-mentions-bot/internal/models"
)

// Reddit accepts multireddit paths; five subreddits per request keeps the
// listing of 100 items from being dominated by one busy community
const subredditsPerRequest = 5

const listingLimit = "100"

// listing is one Reddit listing endpoint the poll adapter reads per chunk
type listing struct {
	path string
	key  string
}

var pollListings = []listing{
	{path: "new", key: "posts"},
	{path: "comments", key: "comments"},
}

var listingKeys = map[models.MentionType]string{
	models.TypePost:    "posts",
	models.TypeComment: "comments",
}

// RedditConfig configures the poll adapter
type RedditConfig struct {
	ClientID     string
	ClientSecret string
	UserAgent    string
	BaseURL      string
	OAuthURL     string
	Subreddits   []string
	Timeout      time.Duration
	Overlap      time.Duration
}

// RedditSource polls the newest posts and comments of the tracked subreddits
type RedditSource struct {
	config      RedditConfig
	client      *resty.Client
	matcher     *BrandMatcher
	governor    *governor.Governor
	checkpoints *Checkpoints
	now         func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time

	cycleMu sync.Mutex
	pending map[string]time.Time
}

var _ Acknowledger = (*RedditSource)(nil)

type redditAuthResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// NewRedditSource creates the poll adapter
func NewRedditSource(cfg RedditConfig, matcher *BrandMatcher, gov *governor.Governor, checkpoints *Checkpoints) *RedditSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if checkpoints == nil {
		checkpoints = NewCheckpoints()
	}
	return &RedditSource{
		config:      cfg,
		client:      resty.New().SetTimeout(cfg.Timeout).SetHeader("User-Agent", cfg.UserAgent),
		matcher:     matcher,
		governor:    gov,
		checkpoints: checkpoints,
		now:         time.Now,
	}
}

func (r *RedditSource) GetName() string {
	return models.SourcePoll
}

func (r *RedditSource) IsEnabled() bool {
	return len(r.config.Subreddits) > 0
}

func (r *RedditSource) hasCredentials() bool {
	return r.config.ClientID != "" && r.config.ClientSecret != ""
}

// FetchMentions runs one poll cycle over every subreddit chunk. Candidates
// gathered before a rate-limit signal are returned together with the error.
// High-water marks stay put until Acknowledge confirms the cycle was stored.
func (r *RedditSource) FetchMentions(ctx context.Context) ([]models.Mention, error) {
	if !r.IsEnabled() {
		logrus.Debug("Poll source disabled - no subreddits configured")
		return nil, nil
	}

	discoveredAt := r.now().UTC()
	newest := make(map[string]time.Time)
	defer r.setPending(newest)

	var allMentions []models.Mention
	var errs []error
	requests := 0

	for _, chunk := range chunkSubreddits(r.config.Subreddits, subredditsPerRequest) {
		for _, l := range pollListings {
			requests++
			things, err := r.fetchListing(ctx, chunk, l.path)
			if err != nil {
				if errors.Is(err, ErrRateLimited) || ctx.Err() != nil {
					return allMentions, err
				}
				logrus.WithFields(logrus.Fields{
					"subreddits": strings.Join(chunk, "+"),
					"listing":    l.path,
				}).Errorf("Failed to fetch Reddit listing: %v", err)
				errs = append(errs, err)
				continue
			}
			allMentions = append(allMentions, r.collect(things, l.key, discoveredAt, newest)...)
		}
	}

	if requests > 0 && len(errs) == requests {
		return allMentions, errors.Join(errs...)
	}
	return allMentions, nil
}

// collect turns listing items into candidates, skipping anything older than the
// per-listing high-water mark minus the overlap window. The newest creation
// time per listing is recorded in newest.
func (r *RedditSource) collect(things []redditThing, key string, discoveredAt time.Time, newest map[string]time.Time) []models.Mention {
	var mentions []models.Mention

	for _, thing := range things {
		p, err := thing.toPost()
		if err != nil {
			logrus.Debugf("Skipping Reddit item: %v", err)
			continue
		}

		cpKey := checkpointKey(key, strings.ToLower(p.subreddit))
		if hw := r.checkpoints.HighWater(cpKey); !hw.IsZero() && p.createdAt.Before(hw.Add(-r.config.Overlap)) {
			continue
		}
		if p.createdAt.After(newest[cpKey]) {
			newest[cpKey] = p.createdAt
		}

		mentions = append(mentions, p.candidates(r.matcher, r.GetName(), discoveredAt)...)
	}
	return mentions
}

func (r *RedditSource) setPending(newest map[string]time.Time) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()
	r.pending = newest
}

// Acknowledge advances the high-water marks of the last cycle, except for
// listings holding a candidate that failed to store. Those are re-read in full
// next cycle.
func (r *RedditSource) Acknowledge(failed []models.Mention) {
	r.cycleMu.Lock()
	pending := r.pending
	r.pending = nil
	r.cycleMu.Unlock()

	for _, m := range failed {
		delete(pending, checkpointKey(listingKeys[m.Type], strings.ToLower(m.Subreddit)))
	}
	for cpKey, t := range pending {
		r.checkpoints.Advance(cpKey, t)
	}
}

func (r *RedditSource) fetchListing(ctx context.Context, subreddits []string, path string) ([]redditThing, error) {
	token, err := r.authorize(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.governor.Wait(ctx, r.GetName()); err != nil {
		return nil, err
	}

	base := r.config.BaseURL
	req := r.client.R().
		SetContext(ctx).
		SetQueryParam("limit", listingLimit)
	if token != "" {
		base = r.config.OAuthURL
		req.SetAuthToken(token)
	}

	listingURL := fmt.Sprintf("%s/r/%s/%s.json", base, strings.Join(subreddits, "+"), path)
	resp, err := req.Get(listingURL)
	if err := checkResponse(r.governor, r.GetName(), resp, err); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			r.resetToken()
		}
		return nil, err
	}

	var result redditListing
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return result.Data.Children, nil
}

// authorize returns a bearer token when credentials are configured, fetching a
// new one when the cached token is missing or about to expire
func (r *RedditSource) authorize(ctx context.Context) (string, error) {
	if !r.hasCredentials() {
		return "", nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.accessToken != "" && r.now().Before(r.tokenExpiry) {
		return r.accessToken, nil
	}

	if err := r.governor.Wait(ctx, r.GetName()); err != nil {
		return "", err
	}

	resp, err := r.client.R().
		SetContext(ctx).
		SetBasicAuth(r.config.ClientID, r.config.ClientSecret).
		SetFormData(map[string]string{
			"grant_type": "client_credentials",
		}).
		Post(r.config.BaseURL + "/api/v1/access_token")
	if err := checkResponse(r.governor, r.GetName(), resp, err); err != nil {
		return "", fmt.Errorf("reddit authentication failed: %w", err)
	}

	var authResp redditAuthResponse
	if err := json.Unmarshal(resp.Body(), &authResp); err != nil || authResp.AccessToken == "" {
		return "", fmt.Errorf("reddit authentication failed: %w", ErrMalformedPayload)
	}

	lifetime := time.Duration(authResp.ExpiresIn) * time.Second
	if lifetime > time.Minute {
		lifetime -= time.Minute
	}
	r.accessToken = authResp.AccessToken
	r.tokenExpiry = r.now().Add(lifetime)
	return r.accessToken, nil
}

func (r *RedditSource) resetToken() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessToken = ""
	r.tokenExpiry = time.Time{}
}

func chunkSubreddits(subreddits []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(subreddits); start += size {
		end := start + size
		if end > len(subreddits) {
			end = len(subreddits)
		}
		chunks = append(chunks, subreddits[start:end])
	}
	return chunks
}
