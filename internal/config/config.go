package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port  string
	Debug bool

	// Mention store and checkpoint storage
	DatabaseURL      string
	MaxPageSize      int
	StorageAccount   string
	StorageContainer string
	CheckpointDir    string

	// Brands and community scope
	BrandsFile string
	Brands     map[string]string // brand name -> regular expression
	Subreddits []string

	// Reddit access
	RedditClientID     string
	RedditClientSecret string
	UserAgent          string
	RedditBaseURL      string
	RedditOAuthURL     string
	StreamURL          string

	// Adapter cadences
	PollInterval       time.Duration
	FeedInterval       time.Duration
	ClassifyInterval   time.Duration
	CheckpointInterval time.Duration
	FetchTimeout       time.Duration
	OverlapWindow      time.Duration

	// Rate budgets, calls per minute
	StreamRatePerMinute     int
	PollRatePerMinute       int
	FeedRatePerMinute       int
	ClassifierRatePerMinute int

	// Backoff applied after upstream rate-limit or server errors
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	BackoffResetStreak int

	// Sentiment analysis
	EnableSentimentAnalysis bool
	HFAPIToken              string
	HFModelURL              string
	ClassifyTimeout         time.Duration
	ClassifyBatchSize       int

	// Notification configuration
	TeamsWebhookURL       string
	NotificationEmail     string
	SMTPHost              string
	SMTPPort              int
	SMTPUsername          string
	SMTPPassword          string
	AlertFailureThreshold int
	DigestSchedule        string // "", "daily" or "weekly"
	TimeZone              string

	patterns map[string]*regexp.Regexp
}

// brandsFile is the YAML layout of BRANDS_FILE
type brandsFile struct {
	Brands     map[string]string `yaml:"brands"`
	Subreddits []string          `yaml:"subreddits"`
}

var defaultBrands = map[string]string{
	"badinka":     `[@#]?badinka(?:\.com)?`,
	"iheartraves": `[@#]?iheartraves(?:\.com)?`,
}

var defaultSubreddits = []string{
	"aves", "avesfashion", "aveoutfits", "festivals", "EDM", "electricdaisycarnival",
	"BADINKA", "kandi", "Tomorrowland", "femalefashion",
}

// Load loads configuration from environment variables and the optional brands file
func Load() (*Config, error) {
	cfg := &Config{
		Port:  getEnv("PORT", "8080"),
		Debug: getBoolEnv("DEBUG", false),

		DatabaseURL:      getEnv("DATABASE_URL", "mentions.db"),
		MaxPageSize:      getIntEnv("MAX_PAGE_SIZE", 500),
		StorageAccount:   getEnv("AZURE_STORAGE_ACCOUNT", ""),
		StorageContainer: getEnv("AZURE_STORAGE_CONTAINER", "mentions"),
		CheckpointDir:    getEnv("CHECKPOINT_DIR", "data"),

		BrandsFile: getEnv("BRANDS_FILE", ""),
		Brands:     getMapEnv("BRANDS", defaultBrands),
		Subreddits: getSliceEnv("SUBREDDITS", defaultSubreddits),

		RedditClientID:     getEnv("REDDIT_CLIENT_ID", ""),
		RedditClientSecret: getEnv("REDDIT_CLIENT_SECRET", ""),
		UserAgent:          getEnv("REDDIT_USER_AGENT", "BrandMentionsBot/1.0"),
		RedditBaseURL:      getEnv("REDDIT_BASE_URL", "https://www.reddit.com"),
		RedditOAuthURL:     getEnv("REDDIT_OAUTH_URL", "https://oauth.reddit.com"),
		StreamURL:          getEnv("STREAM_URL", ""),

		PollInterval:       getDurationEnv("POLL_INTERVAL", 30*time.Second),
		FeedInterval:       getDurationEnv("FEED_INTERVAL", 5*time.Minute),
		ClassifyInterval:   getDurationEnv("CLASSIFY_INTERVAL", 30*time.Second),
		CheckpointInterval: getDurationEnv("CHECKPOINT_INTERVAL", time.Minute),
		FetchTimeout:       getDurationEnv("FETCH_TIMEOUT", 10*time.Second),
		OverlapWindow:      getDurationEnv("OVERLAP_WINDOW", 2*time.Minute),

		StreamRatePerMinute:     getIntEnv("STREAM_RATE_PER_MINUTE", 45),
		PollRatePerMinute:       getIntEnv("POLL_RATE_PER_MINUTE", 100),
		FeedRatePerMinute:       getIntEnv("FEED_RATE_PER_MINUTE", 30),
		ClassifierRatePerMinute: getIntEnv("CLASSIFIER_RATE_PER_MINUTE", 100),

		BackoffInitial:     getDurationEnv("BACKOFF_INITIAL", 5*time.Second),
		BackoffMax:         getDurationEnv("BACKOFF_MAX", 5*time.Minute),
		BackoffResetStreak: getIntEnv("BACKOFF_RESET_STREAK", 3),

		EnableSentimentAnalysis: getBoolEnv("ENABLE_SENTIMENT_ANALYSIS", true),
		HFAPIToken:              getEnv("HF_API_TOKEN", ""),
		HFModelURL:              getEnv("HF_MODEL_URL", "https://api-inference.huggingface.co/models/tabularisai/multilingual-sentiment-analysis"),
		ClassifyTimeout:         getDurationEnv("CLASSIFY_TIMEOUT", 10*time.Second),
		ClassifyBatchSize:       getIntEnv("CLASSIFY_BATCH_SIZE", 50),

		TeamsWebhookURL:       getEnv("TEAMS_WEBHOOK_URL", ""),
		NotificationEmail:     getEnv("NOTIFICATION_EMAIL", ""),
		SMTPHost:              getEnv("SMTP_HOST", ""),
		SMTPPort:              getIntEnv("SMTP_PORT", 587),
		SMTPUsername:          getEnv("SMTP_USERNAME", ""),
		SMTPPassword:          getEnv("SMTP_PASSWORD", ""),
		AlertFailureThreshold: getIntEnv("ALERT_FAILURE_THRESHOLD", 5),
		DigestSchedule:        getEnv("DIGEST_SCHEDULE", ""),
		TimeZone:              getEnv("TIMEZONE", "UTC"),
	}

	if cfg.BrandsFile != "" {
		if err := cfg.loadBrandsFile(cfg.BrandsFile); err != nil {
			return nil, err
		}
	}

	// Validate required configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadBrandsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read brands file: %w", err)
	}

	var file brandsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse brands file %s: %w", path, err)
	}

	if len(file.Brands) > 0 {
		c.Brands = file.Brands
	}
	if len(file.Subreddits) > 0 {
		c.Subreddits = file.Subreddits
	}
	return nil
}

func (c *Config) validate() error {
	if len(c.Brands) == 0 {
		return fmt.Errorf("at least one brand must be configured (BRANDS or BRANDS_FILE)")
	}

	c.patterns = make(map[string]*regexp.Regexp, len(c.Brands))
	for name, pattern := range c.Brands {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("brand names must not be empty")
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern for brand %q: %w", name, err)
		}
		c.patterns[name] = re
	}

	if len(c.Subreddits) == 0 {
		return fmt.Errorf("SUBREDDITS must list at least one community")
	}

	for name, d := range map[string]time.Duration{
		"POLL_INTERVAL":       c.PollInterval,
		"FEED_INTERVAL":       c.FeedInterval,
		"CLASSIFY_INTERVAL":   c.ClassifyInterval,
		"CHECKPOINT_INTERVAL": c.CheckpointInterval,
		"FETCH_TIMEOUT":       c.FetchTimeout,
		"CLASSIFY_TIMEOUT":    c.ClassifyTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	for name, n := range map[string]int{
		"STREAM_RATE_PER_MINUTE":     c.StreamRatePerMinute,
		"POLL_RATE_PER_MINUTE":       c.PollRatePerMinute,
		"FEED_RATE_PER_MINUTE":       c.FeedRatePerMinute,
		"CLASSIFIER_RATE_PER_MINUTE": c.ClassifierRatePerMinute,
		"MAX_PAGE_SIZE":              c.MaxPageSize,
	} {
		if n <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("BACKOFF_MAX must not be smaller than BACKOFF_INITIAL")
	}

	if c.DigestSchedule != "" && c.DigestSchedule != "daily" && c.DigestSchedule != "weekly" {
		return fmt.Errorf("DIGEST_SCHEDULE must be 'daily' or 'weekly'")
	}

	if c.NotificationEmail != "" {
		if c.SMTPHost == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("SMTP configuration is required when NOTIFICATION_EMAIL is set")
		}
	}

	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.TimeZone, err)
	}

	return nil
}

// BrandPatterns returns the compiled, case-insensitive pattern of every brand.
// Only valid after Load or Validate succeeded.
func (c *Config) BrandPatterns() map[string]*regexp.Regexp {
	return c.patterns
}

// BrandNames returns the configured brand names in sorted order
func (c *Config) BrandNames() []string {
	names := make([]string, 0, len(c.Brands))
	for name := range c.Brands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate runs the startup checks on a hand-built Config
func (c *Config) Validate() error {
	return c.validate()
}

// NotificationsEnabled reports whether any alert channel is configured
func (c *Config) NotificationsEnabled() bool {
	return c.TeamsWebhookURL != "" || c.NotificationEmail != ""
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultValue
}

// getMapEnv parses "name=pattern;name2=pattern2". Semicolons separate entries
// because commas are common inside regular expressions.
func getMapEnv(key string, defaultValue map[string]string) map[string]string {
	value := os.Getenv(key)
	if value == "" {
		out := make(map[string]string, len(defaultValue))
		for k, v := range defaultValue {
			out[k] = v
		}
		return out
	}

	out := make(map[string]string)
	for _, entry := range strings.Split(value, ";") {
		name, pattern, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(pattern)
	}
	return out
}
