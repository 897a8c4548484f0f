package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/azure/brand-mentions-bot/internal/api"
	"github.com/azure/brand-mentions-bot/internal/config"
	"github.com/azure/brand-mentions-bot/internal/governor"
	"github.com/azure/brand-mentions-bot/internal/models"
	"github.com/azure/brand-mentions-bot/internal/monitoring"
	"github.com/azure/brand-mentions-bot/internal/notifications"
	"github.com/azure/brand-mentions-bot/internal/scheduler"
	"github.com/azure/brand-mentions-bot/internal/sentiment"
	"github.com/azure/brand-mentions-bot/internal/sources"
	"github.com/azure/brand-mentions-bot/internal/stats"
	"github.com/azure/brand-mentions-bot/internal/storage"
)

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	// Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up logging
	logrus.SetLevel(logrus.InfoLevel)
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	logrus.WithFields(logrus.Fields{
		"brands":     cfg.BrandNames(),
		"subreddits": len(cfg.Subreddits),
	}).Info("Starting Brand Mentions Bot")

	// Mention store
	store, err := storage.OpenSQLStore(cfg.DatabaseURL, cfg.MaxPageSize)
	if err != nil {
		logrus.Fatalf("Failed to open mention store: %v", err)
	}
	defer store.Close()

	// Checkpoint storage
	blobs, err := newBlobStore(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize checkpoint storage: %v", err)
	}

	checkpoints := sources.NewCheckpoints()
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 30*time.Second)
	if err := checkpoints.Load(loadCtx, blobs); err != nil {
		// Without marks the poller rescans its full window; duplicates are ignored
		logrus.Warnf("Starting without checkpoints: %v", err)
	}
	cancelLoad()

	// Rate governor with one budget per upstream
	gov := governor.New(governor.Config{
		BackoffInitial:     cfg.BackoffInitial,
		BackoffMax:         cfg.BackoffMax,
		BackoffResetStreak: cfg.BackoffResetStreak,
	})
	gov.Register(models.SourceStream, cfg.StreamRatePerMinute)
	gov.Register(models.SourcePoll, cfg.PollRatePerMinute)
	gov.Register(models.SourceFeed, cfg.FeedRatePerMinute)
	gov.Register(sentiment.GovernorSource, cfg.ClassifierRatePerMinute)

	// Source adapters
	matcher := sources.NewBrandMatcher(cfg.BrandPatterns())
	redditSource := sources.NewRedditSource(sources.RedditConfig{
		ClientID:     cfg.RedditClientID,
		ClientSecret: cfg.RedditClientSecret,
		UserAgent:    cfg.UserAgent,
		BaseURL:      cfg.RedditBaseURL,
		OAuthURL:     cfg.RedditOAuthURL,
		Subreddits:   cfg.Subreddits,
		Timeout:      cfg.FetchTimeout,
		Overlap:      cfg.OverlapWindow,
	}, matcher, gov, checkpoints)
	feedSource := sources.NewFeedSource(sources.FeedConfig{
		BaseURL:    cfg.RedditBaseURL,
		UserAgent:  cfg.UserAgent,
		Subreddits: cfg.Subreddits,
		Timeout:    cfg.FetchTimeout,
	}, matcher, gov)
	streamSource := sources.NewStreamSource(sources.StreamConfig{
		URL:       cfg.StreamURL,
		UserAgent: cfg.UserAgent,
	}, matcher, gov)

	// Initialize notification services
	notificationService := notifications.NewService(cfg)

	// Dedup engine, statistics and monitoring
	statsEngine := stats.NewEngine(store)
	monitoringService := monitoring.NewService(cfg, store, monitoring.NewEngine(store), statsEngine, notificationService)

	// Sentiment gateway
	var gateway *sentiment.Gateway
	if cfg.EnableSentimentAnalysis {
		var classifier sentiment.Classifier = sentiment.NewLexiconClassifier()
		if cfg.HFAPIToken != "" {
			classifier = sentiment.NewHuggingFaceClassifier(cfg.HFModelURL, cfg.HFAPIToken, cfg.ClassifyTimeout)
		}
		gateway = sentiment.NewGateway(classifier, store, gov, sentiment.GatewayConfig{
			Timeout:   cfg.ClassifyTimeout,
			BatchSize: cfg.ClassifyBatchSize,
		})
		logrus.Infof("Sentiment analysis enabled using %s classifier", classifier.Name())
	}

	// Initialize scheduler
	schedulerService := scheduler.NewService(cfg, monitoringService, scheduler.Options{
		Pollers:     []sources.Poller{redditSource, feedSource},
		Streamers:   []sources.Streamer{streamSource},
		Gateway:     gateway,
		Checkpoints: checkpoints,
		Blobs:       blobs,
	})

	// Start scheduler
	if err := schedulerService.Start(); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}

	// Set up HTTP server for the dashboard API
	handlers := api.NewHandlers(cfg, store, statsEngine, monitoringService, gov, schedulerService, gateway).WithBlobs(blobs)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      handlers.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in a goroutine
	go func() {
		logrus.Infof("HTTP server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	// Create a deadline for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	// Stop adapters and persist checkpoints
	if err := schedulerService.Stop(ctx); err != nil {
		logrus.Errorf("Scheduler shutdown incomplete: %v", err)
	}

	logrus.Info("Server exited")
}

// newBlobStore uses Azure Blob Storage when an account is configured and a
// local directory otherwise
func newBlobStore(cfg *config.Config) (storage.BlobStore, error) {
	if cfg.StorageAccount == "" {
		logrus.Infof("Storing checkpoints in %s", cfg.CheckpointDir)
		return storage.NewFileStorage(cfg.CheckpointDir)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return storage.NewAzureStorage(ctx, cfg.StorageAccount, cfg.StorageContainer)
}
