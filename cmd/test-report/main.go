package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/azure/brand-mentions-bot/internal/config"
	"github.com/azure/brand-mentions-bot/internal/governor"
	"github.com/azure/brand-mentions-bot/internal/models"
	"github.com/azure/brand-mentions-bot/internal/monitoring"
	"github.com/azure/brand-mentions-bot/internal/sentiment"
	"github.com/azure/brand-mentions-bot/internal/stats"
	"github.com/azure/brand-mentions-bot/internal/storage"
)

const (
	outputDir    = "test_output"
	reportPrefix = "mentions_digest_"
	keepReports  = 5
)

// TerminalNotificationService prints reports to the terminal and saves them as JSON
type TerminalNotificationService struct {
	output storage.BlobStore
}

func (t *TerminalNotificationService) SendReport(ctx context.Context, report *models.Report) error {
	fmt.Println("\n" + strings.Repeat("=", 70))
	fmt.Println("📊 BRAND MENTIONS DIGEST")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("📅 Period: %s\n", report.Period)
	fmt.Printf("🕒 Generated: %s\n", report.GeneratedAt.Format("2006-01-02 15:04:05 UTC"))
	fmt.Printf("📈 Total Mentions: %d\n", report.TotalMentions())

	for _, snap := range report.Snapshots {
		fmt.Printf("\n🏷️  %s (perception score %d)\n", snap.Brand, snap.Score)
		fmt.Printf("   Today: %d posts, %d comments | All time: %d posts, %d comments\n",
			snap.Daily.Posts, snap.Daily.Comments, snap.Total.Posts, snap.Total.Comments)
		fmt.Printf("   😊 %d  😐 %d  😞 %d\n", snap.Sentiment.Positive, snap.Sentiment.Neutral, snap.Sentiment.Negative)
		for source, count := range snap.Sources {
			fmt.Printf("   • %-8s %d mentions\n", source+":", count)
		}
	}

	fmt.Println("\n📝 Recent Mentions:")
	for i, mention := range report.Recent {
		if i >= 5 {
			fmt.Printf("   ... and %d more mentions\n", len(report.Recent)-5)
			break
		}
		fmt.Printf("\n   %d. [%s] r/%s %s\n", i+1, mention.Brand, mention.Subreddit, mention.Title)
		fmt.Printf("      👤 Author: %s\n", mention.Author)
		fmt.Printf("      🔗 URL: %s\n", mention.Permalink)
		fmt.Printf("      💭 Sentiment: %s | ⭐ Score: %d\n", mention.DisplaySentiment(), mention.Score)
		fmt.Printf("      🕒 Posted: %s\n", mention.CreatedAt.Format("2006-01-02 15:04"))
	}

	if err := t.saveReport(ctx, report); err != nil {
		fmt.Printf("\n⚠️  Warning: Could not save report: %v\n", err)
	}

	fmt.Println("\n" + strings.Repeat("=", 70))
	return nil
}

func (t *TerminalNotificationService) SendAlert(ctx context.Context, alert *models.Alert) error {
	fmt.Println("\n🚨 ALERT")
	fmt.Printf("Type: %s\n", alert.Type)
	fmt.Printf("Message: %s\n", alert.Message)
	return nil
}

func (t *TerminalNotificationService) saveReport(ctx context.Context, report *models.Report) error {
	name := fmt.Sprintf("%s%s.json", reportPrefix, report.GeneratedAt.Format("2006-01-02_15-04-05"))

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := t.output.Store(ctx, name, data); err != nil {
		return err
	}

	fmt.Printf("\n💾 Report saved to: %s\n", filepath.Join(outputDir, name))
	return t.pruneReports(ctx)
}

// pruneReports keeps only the newest saved reports. Names sort by timestamp.
func (t *TerminalNotificationService) pruneReports(ctx context.Context) error {
	names, err := t.output.List(ctx, reportPrefix)
	if err != nil {
		return err
	}
	if len(names) <= keepReports {
		return nil
	}
	for _, name := range names[:len(names)-keepReports] {
		if err := t.output.Delete(ctx, name); err != nil {
			return err
		}
	}
	fmt.Printf("🧹 Removed %d old reports\n", len(names)-keepReports)
	return nil
}

func sampleMentions(now time.Time) []models.Mention {
	sample := func(brand, upstreamID, subreddit, title, body, via string, age time.Duration, score int) models.Mention {
		kind := models.TypePost
		if strings.HasPrefix(upstreamID, "t1_") {
			kind = models.TypeComment
		}
		return models.Mention{
			Brand:         brand,
			UpstreamID:    upstreamID,
			Type:          kind,
			Subreddit:     subreddit,
			Author:        "sample_raver",
			Title:         title,
			Body:          body,
			Permalink:     fmt.Sprintf("https://www.reddit.com/r/%s/comments/%s/", subreddit, strings.TrimPrefix(upstreamID, "t3_")),
			Score:         score,
			CreatedAt:     now.Add(-age),
			DiscoveredVia: via,
		}
	}

	return []models.Mention{
		sample("badinka", "t3_s1", "aves", "BADINKA haul for EDC", "Love the harness top, so comfy and great quality.", models.SourceStream, 3*time.Hour, 41),
		sample("badinka", "t1_s2", "avesfashion", "", "My badinka order never arrived, still waiting on a refund.", models.SourcePoll, 5*time.Hour, 3),
		sample("iheartraves", "t3_s3", "festivals", "iHeartRaves vs the rest?", "Which shop do you all use for kandi supplies?", models.SourceFeed, 8*time.Hour, 12),
		sample("iheartraves", "t1_s4", "electricdaisycarnival", "", "iheartraves shipping was fast, amazing outfit.", models.SourceStream, 26*time.Hour, 19),
		// Same post seen by a second adapter; dropped as a duplicate
		sample("badinka", "t3_s1", "aves", "BADINKA haul for EDC", "Love the harness top, so comfy and great quality.", models.SourcePoll, 3*time.Hour, 41),
	}
}

func main() {
	fmt.Println("🤖 Brand Mentions Bot - Test Digest Generator")
	fmt.Println("=============================================")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// Create test configuration
	cfg := &config.Config{
		Brands:         map[string]string{"badinka": "badinka", "iheartraves": "iheartraves"},
		DigestSchedule: "weekly",
		TimeZone:       "UTC",
	}

	// Scratch database so the real store is never touched
	dir, err := os.MkdirTemp("", "mentions-digest")
	if err != nil {
		fmt.Printf("❌ Error creating scratch directory: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	store, err := storage.OpenSQLStore(filepath.Join(dir, "mentions.db"), 0)
	if err != nil {
		fmt.Printf("❌ Error opening scratch store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	output, err := storage.NewFileStorage(outputDir)
	if err != nil {
		fmt.Printf("❌ Error preparing output directory: %v\n", err)
		os.Exit(1)
	}

	notifier := &TerminalNotificationService{output: output}
	engine := monitoring.NewEngine(store)
	service := monitoring.NewService(cfg, store, engine, stats.NewEngine(store), notifier)

	mentions := sampleMentions(time.Now())
	fmt.Printf("\n📊 Admitting %d sample mentions...\n", len(mentions))
	for _, m := range mentions {
		outcome, err := engine.Admit(ctx, m)
		if err != nil {
			fmt.Printf("❌ Error admitting %s: %v\n", m.UpstreamID, err)
			os.Exit(1)
		}
		fmt.Printf("   %-12s %-14s %s\n", m.DiscoveredVia, m.Brand+":"+m.UpstreamID, outcome)
	}

	// Classify with the keyword classifier
	gov := governor.New(governor.Config{})
	gateway := sentiment.NewGateway(sentiment.NewLexiconClassifier(), store, gov, sentiment.GatewayConfig{})
	result, err := gateway.Sweep(ctx)
	if err != nil {
		fmt.Printf("❌ Error classifying: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("💭 Classified %d mentions\n", result.Classified)

	report, err := service.BuildDigest(ctx)
	if err != nil {
		fmt.Printf("❌ Error building digest: %v\n", err)
		os.Exit(1)
	}

	// Send the report (outputs to terminal and saves to file)
	if err := notifier.SendReport(ctx, report); err != nil {
		fmt.Printf("❌ Error sending report: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\n✅ Test digest generation completed!")
	fmt.Println("\n💡 Next steps:")
	fmt.Printf("   • Check the '%s' directory for the saved JSON report\n", outputDir)
	fmt.Println("   • Run 'go test ./internal/monitoring -v' for more detailed tests")
	fmt.Println("   • Configure Reddit credentials and run the full bot with 'go run cmd/bot/main.go'")
}
