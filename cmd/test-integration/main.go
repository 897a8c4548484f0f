package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/azure/brand-mentions-bot/internal/config"
	"github.com/azure/brand-mentions-bot/internal/governor"
	"github.com/azure/brand-mentions-bot/internal/models"
	"github.com/azure/brand-mentions-bot/internal/monitoring"
	"github.com/azure/brand-mentions-bot/internal/sources"
	"github.com/azure/brand-mentions-bot/internal/stats"
	"github.com/azure/brand-mentions-bot/internal/storage"
)

// ConsoleNotification prints alerts instead of sending them
type ConsoleNotification struct{}

func (c *ConsoleNotification) SendReport(ctx context.Context, report *models.Report) error {
	fmt.Printf("\n🎉 REPORT GENERATED! %d brands, %d mentions\n", len(report.Snapshots), report.TotalMentions())
	return nil
}

func (c *ConsoleNotification) SendAlert(ctx context.Context, alert *models.Alert) error {
	fmt.Printf("🚨 ALERT: %s\n", alert.Message)
	return nil
}

func main() {
	fmt.Println("🧪 Brand Mentions Bot - Local Integration Test")
	fmt.Println("==============================================")

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Run against a scratch database and scratch checkpoints
	dir, err := os.MkdirTemp("", "mentions-integration")
	if err != nil {
		log.Fatalf("Failed to create scratch directory: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := storage.OpenSQLStore(filepath.Join(dir, "mentions.db"), cfg.MaxPageSize)
	if err != nil {
		log.Fatalf("Failed to open scratch store: %v", err)
	}
	defer store.Close()

	gov := governor.New(governor.Config{
		BackoffInitial:     cfg.BackoffInitial,
		BackoffMax:         cfg.BackoffMax,
		BackoffResetStreak: cfg.BackoffResetStreak,
	})
	gov.Register(models.SourcePoll, cfg.PollRatePerMinute)
	gov.Register(models.SourceFeed, cfg.FeedRatePerMinute)

	matcher := sources.NewBrandMatcher(cfg.BrandPatterns())
	pollers := []sources.Poller{
		sources.NewRedditSource(sources.RedditConfig{
			ClientID:     cfg.RedditClientID,
			ClientSecret: cfg.RedditClientSecret,
			UserAgent:    cfg.UserAgent,
			BaseURL:      cfg.RedditBaseURL,
			OAuthURL:     cfg.RedditOAuthURL,
			Subreddits:   cfg.Subreddits,
			Timeout:      cfg.FetchTimeout,
			Overlap:      cfg.OverlapWindow,
		}, matcher, gov, sources.NewCheckpoints()),
		sources.NewFeedSource(sources.FeedConfig{
			BaseURL:    cfg.RedditBaseURL,
			UserAgent:  cfg.UserAgent,
			Subreddits: cfg.Subreddits,
			Timeout:    cfg.FetchTimeout,
		}, matcher, gov),
	}

	statsEngine := stats.NewEngine(store)
	service := monitoring.NewService(cfg, store, monitoring.NewEngine(store), statsEngine, &ConsoleNotification{})

	fmt.Println("🔍 Running one cycle of every polling adapter...")
	fmt.Println("⏱️  This will call the real Reddit endpoints and may take 30-60 seconds...")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, p := range pollers {
		fmt.Printf("\n🔸 Running %s...\n", p.GetName())
		if err := service.RunPoller(ctx, p); err != nil {
			fmt.Printf("   ❌ Error: %v\n", err)
			continue
		}
		fmt.Printf("   ✅ Done\n")
	}

	fmt.Println("\n📥 Admission counters:")
	for _, c := range service.Engine().Counters() {
		fmt.Printf("   • %-6s admitted %d, duplicates %d, malformed %d\n", c.Source, c.Admitted, c.Duplicates, c.Malformed)
	}

	snapshots, err := statsEngine.Compare(ctx, cfg.BrandNames(), 0)
	if err != nil {
		log.Fatalf("Failed to compute statistics: %v", err)
	}

	fmt.Println("\n📊 Brand statistics:")
	for _, snap := range snapshots {
		fmt.Printf("   • %-12s %d posts, %d comments, score %d\n", snap.Brand, snap.Total.Posts, snap.Total.Comments, snap.Score)
	}

	fmt.Println("\n✅ Local integration test completed!")
	fmt.Println("\n🚀 Next steps:")
	fmt.Println("   • Set REDDIT_CLIENT_ID / REDDIT_CLIENT_SECRET for the authenticated API")
	fmt.Println("   • Set STREAM_URL to enable the streaming adapter")
	fmt.Println("   • Run the full bot with: go run cmd/bot/main.go")
}
