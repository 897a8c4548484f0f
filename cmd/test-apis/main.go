package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/azure/brand-mentions-bot/internal/config"
	"github.com/azure/brand-mentions-bot/internal/governor"
	"github.com/azure/brand-mentions-bot/internal/models"
	"github.com/azure/brand-mentions-bot/internal/sentiment"
	"github.com/azure/brand-mentions-bot/internal/sources"
)

const streamListenWindow = 20 * time.Second

func main() {
	fmt.Println("🔍 Brand Mentions Bot - Source Connectivity Test")
	fmt.Println("================================================")

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	gov := governor.New(governor.Config{BackoffInitial: cfg.BackoffInitial, BackoffMax: cfg.BackoffMax})
	matcher := sources.NewBrandMatcher(cfg.BrandPatterns())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	fmt.Printf("\nBrands: %s\n", strings.Join(cfg.BrandNames(), ", "))
	fmt.Printf("Subreddits: %s\n", strings.Join(cfg.Subreddits, ", "))

	fmt.Println("\n📡 Testing sources...")
	fmt.Println(strings.Repeat("-", 40))

	// This check never persists high-water marks
	testPoller(ctx, sources.NewRedditSource(sources.RedditConfig{
		ClientID:     cfg.RedditClientID,
		ClientSecret: cfg.RedditClientSecret,
		UserAgent:    cfg.UserAgent,
		BaseURL:      cfg.RedditBaseURL,
		OAuthURL:     cfg.RedditOAuthURL,
		Subreddits:   cfg.Subreddits,
		Timeout:      cfg.FetchTimeout,
		Overlap:      cfg.OverlapWindow,
	}, matcher, gov, sources.NewCheckpoints()))

	testPoller(ctx, sources.NewFeedSource(sources.FeedConfig{
		BaseURL:    cfg.RedditBaseURL,
		UserAgent:  cfg.UserAgent,
		Subreddits: cfg.Subreddits,
		Timeout:    cfg.FetchTimeout,
	}, matcher, gov))

	testStreamer(ctx, sources.NewStreamSource(sources.StreamConfig{
		URL:       cfg.StreamURL,
		UserAgent: cfg.UserAgent,
	}, matcher, gov))

	if cfg.EnableSentimentAnalysis && cfg.HFAPIToken != "" {
		testClassifier(ctx, sentiment.NewHuggingFaceClassifier(cfg.HFModelURL, cfg.HFAPIToken, cfg.ClassifyTimeout))
	} else {
		fmt.Println("🔸 Testing sentiment classifier... ⚠️  DISABLED (no HF_API_TOKEN, lexicon fallback)")
	}

	fmt.Println("\n✅ Connectivity test completed!")
	fmt.Println("\n💡 Next steps:")
	fmt.Println("   • Configure missing credentials in .env file")
	fmt.Println("   • Run full bot with: make run")
}

func testPoller(ctx context.Context, source sources.Poller) {
	fmt.Printf("🔸 Testing %s... ", source.GetName())

	if !source.IsEnabled() {
		fmt.Printf("⚠️  DISABLED (no subreddits configured)\n")
		return
	}

	mentions, err := source.FetchMentions(ctx)
	if err != nil {
		fmt.Printf("❌ ERROR: %v\n", err)
		if len(mentions) == 0 {
			return
		}
	} else {
		fmt.Printf("✅ SUCCESS (%d mentions found)\n", len(mentions))
	}

	printSample(mentions)
}

func testStreamer(ctx context.Context, source sources.Streamer) {
	fmt.Printf("🔸 Testing %s... ", source.GetName())

	if !source.IsEnabled() {
		fmt.Printf("⚠️  DISABLED (STREAM_URL not set)\n")
		return
	}

	listenCtx, cancel := context.WithTimeout(ctx, streamListenWindow)
	defer cancel()

	var mentions []models.Mention
	err := source.Stream(listenCtx, func(m models.Mention) {
		mentions = append(mentions, m)
	})
	if err != nil && listenCtx.Err() == nil {
		fmt.Printf("❌ ERROR: %v\n", err)
		return
	}

	fmt.Printf("✅ SUCCESS (%d mentions in %s)\n", len(mentions), streamListenWindow)
	printSample(mentions)
}

func testClassifier(ctx context.Context, classifier sentiment.Classifier) {
	fmt.Printf("🔸 Testing %s classifier... ", classifier.Name())

	verdict, err := classifier.Classify(ctx, "Absolutely love my new festival outfit, great quality!")
	if err != nil {
		fmt.Printf("❌ ERROR: %v\n", err)
		return
	}
	fmt.Printf("✅ SUCCESS (%s, %.2f)\n", verdict.Label, verdict.Score)
}

func printSample(mentions []models.Mention) {
	if len(mentions) == 0 {
		return
	}
	m := mentions[0]
	text := m.Title
	if text == "" {
		text = m.Body
	}
	if len(text) > 80 {
		text = text[:80] + "..."
	}
	fmt.Printf("   📝 Sample [%s in r/%s]: \"%s\"\n", m.Brand, m.Subreddit, text)
}
