// Package config provides configuration management for MarketForge.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/leeaandrob/marketforge/internal/models"
)

// Checkpoint backends.
const (
	CheckpointFile   = "file"
	CheckpointMemory = "memory"
	CheckpointMongo  = "mongo"
	CheckpointRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	// Qwen/DashScope settings
	DashScopeAPIKey   string
	DashScopeEndpoint string
	QwenModel         string
	LLMRequestsPerMin int
	LLMMaxInFlight    int
	LLMMaxAttempts    int
	LLMBaseBackoff    time.Duration
	LLMTimeout        time.Duration

	// Article sources
	CategoriesFile   string
	FeedTimeout      time.Duration
	FeedRetries      int
	TavilyAPIKey     string
	FirecrawlAPIKey  string
	EnableEnrichment bool

	// Pipeline settings
	MarketsPerCategory  int
	RecencyWindow       time.Duration
	FallbackFactor      int
	CategoryParallelism int
	CategoryTimeout     time.Duration

	// Market defaults
	CreatorID       string
	InitialYesCount int64
	InitialNoCount  int64

	// Checkpoint settings
	CheckpointBackend string
	CheckpointDir     string

	// MongoDB settings
	MongoURI     string
	MongoDB      string
	MongoArchive bool

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RunLock       bool
	RunLockTTL    time.Duration

	// Output settings
	OutputDir      string
	OutputFile     string
	OutputGrouping string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3Prefix       string
	S3AccessKey    string
	S3SecretKey    string

	// CMS settings
	CMSURL      string
	CMSAPIToken string

	// Scheduler / server settings
	ScheduleInterval time.Duration
	RunTimeout       time.Duration
	HTTPAddr         string
	LogLevel         string
	Debug            bool

	// Categories loaded from CategoriesFile (or the built-in defaults).
	Categories []models.Category
}

// Load loads configuration from environment variables and the categories file.
func Load() (*Config, error) {
	// Try to load .env file
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	cfg := &Config{
		// Qwen/DashScope
		DashScopeAPIKey:   getEnv("DASHSCOPE_API_KEY", ""),
		DashScopeEndpoint: getEnv("DASHSCOPE_ENDPOINT", "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"),
		QwenModel:         getEnv("QWEN_MODEL", "qwen-plus"),
		LLMRequestsPerMin: getEnvInt("LLM_REQUESTS_PER_MINUTE", 60),
		LLMMaxInFlight:    getEnvInt("LLM_MAX_IN_FLIGHT", 4),
		LLMMaxAttempts:    getEnvInt("LLM_MAX_ATTEMPTS", 3),
		LLMBaseBackoff:    getEnvDuration("LLM_BASE_BACKOFF", 2*time.Second),
		LLMTimeout:        getEnvDuration("LLM_TIMEOUT", 60*time.Second),

		// Sources
		CategoriesFile:   getEnv("CATEGORIES_FILE", "categories.toml"),
		FeedTimeout:      getEnvDuration("FEED_TIMEOUT", 30*time.Second),
		FeedRetries:      getEnvInt("FEED_RETRIES", 2),
		TavilyAPIKey:     getEnv("TAVILY_API_KEY", ""),
		FirecrawlAPIKey:  getEnv("FIRECRAWL_API_KEY", ""),
		EnableEnrichment: getEnvBool("ENABLE_ENRICHMENT", true),

		// Pipeline
		MarketsPerCategory:  getEnvInt("MARKETS_PER_CATEGORY", 30),
		RecencyWindow:       getEnvDuration("RECENCY_WINDOW", 5*24*time.Hour),
		FallbackFactor:      getEnvInt("FALLBACK_FACTOR", 2),
		CategoryParallelism: getEnvInt("CATEGORY_PARALLELISM", 3),
		CategoryTimeout:     getEnvDuration("CATEGORY_TIMEOUT", 0),

		// Market defaults
		CreatorID:       getEnv("CREATOR_ID", "kalshi-generator"),
		InitialYesCount: int64(getEnvInt("INITIAL_YES_COUNT", 50000)),
		InitialNoCount:  int64(getEnvInt("INITIAL_NO_COUNT", 50000)),

		// Checkpoints
		CheckpointBackend: getEnv("CHECKPOINT_BACKEND", CheckpointFile),
		CheckpointDir:     getEnv("CHECKPOINT_DIR", "checkpoints"),

		// MongoDB
		MongoURI:     getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:      getEnv("MONGO_DB", "marketforge"),
		MongoArchive: getEnvBool("MONGO_ARCHIVE", false),

		// Redis
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RunLock:       getEnvBool("REDIS_RUN_LOCK", false),
		RunLockTTL:    getEnvDuration("RUN_LOCK_TTL", 2*time.Hour),

		// Output
		OutputDir:      getEnv("OUTPUT_DIR", "outputs"),
		OutputFile:     getEnv("OUTPUT_FILE", "prediction_markets.json"),
		OutputGrouping: getEnv("OUTPUT_GROUPING", "category"),
		S3Bucket:       getEnv("S3_BUCKET", ""),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3Prefix:       getEnv("S3_PREFIX", "marketforge/"),
		S3AccessKey:    getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("S3_SECRET_KEY", ""),

		// CMS
		CMSURL:      getEnv("CMS_URL", ""),
		CMSAPIToken: getEnv("CMS_API_TOKEN", ""),

		// Scheduler / server
		ScheduleInterval: getEnvDuration("SCHEDULE_INTERVAL", 30*time.Minute),
		RunTimeout:       getEnvDuration("RUN_TIMEOUT", 0),
		HTTPAddr:         getEnv("HTTP_ADDR", ""),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		Debug:            getEnvBool("DEBUG", false),
	}

	categories, err := LoadCategories(cfg.CategoriesFile)
	if err != nil {
		return nil, err
	}
	cfg.Categories = categories

	return cfg, nil
}

// Validate checks that enough configuration is present for a run to do
// anything at all.
func (c *Config) Validate() error {
	if c.DashScopeAPIKey == "" {
		return models.ErrMissingAPIKey
	}
	if len(c.Categories) == 0 {
		return models.ErrNoCategories
	}

	hasSource := false
	for _, cat := range c.Categories {
		if len(cat.Feeds) > 0 || (cat.SearchQuery != "" && c.TavilyAPIKey != "") {
			hasSource = true
			break
		}
	}
	if !hasSource {
		return models.ErrNoFeeds
	}

	if c.MarketsPerCategory <= 0 {
		return fmt.Errorf("MARKETS_PER_CATEGORY must be positive, got %d", c.MarketsPerCategory)
	}
	if c.InitialYesCount <= 0 || c.InitialNoCount <= 0 {
		return fmt.Errorf("INITIAL_YES_COUNT and INITIAL_NO_COUNT must be positive, got %d and %d",
			c.InitialYesCount, c.InitialNoCount)
	}
	// markets open at even odds
	if c.InitialYesCount != c.InitialNoCount {
		return fmt.Errorf("INITIAL_YES_COUNT (%d) must equal INITIAL_NO_COUNT (%d)",
			c.InitialYesCount, c.InitialNoCount)
	}
	if c.RunLock && c.RunLockTTL <= 0 {
		return errors.New("RUN_LOCK_TTL must be positive when REDIS_RUN_LOCK is set")
	}
	if c.RecencyWindow <= 0 {
		return errors.New("RECENCY_WINDOW must be positive")
	}

	switch c.CheckpointBackend {
	case CheckpointFile, CheckpointMemory, CheckpointMongo, CheckpointRedis:
	default:
		return fmt.Errorf("unknown CHECKPOINT_BACKEND %q", c.CheckpointBackend)
	}

	switch c.OutputGrouping {
	case "", "category", "aggregate":
	default:
		return fmt.Errorf("OUTPUT_GROUPING must be category or aggregate, got %q", c.OutputGrouping)
	}

	if c.FirecrawlAPIKey == "" && c.EnableEnrichment {
		log.Debug().Msg("FIRECRAWL_API_KEY not set, enrichment will use readability only")
	}
	return nil
}

// SelectCategories narrows the configured categories to a single one by
// name or slug. An empty name keeps all of them.
func (c *Config) SelectCategories(name string) error {
	if name == "" {
		return nil
	}
	cat := models.GetCategoryByName(c.Categories, name)
	if cat == nil {
		return fmt.Errorf("unknown category %q", name)
	}
	c.Categories = []models.Category{*cat}
	return nil
}

// UsesMongo reports whether a MongoDB connection is needed.
func (c *Config) UsesMongo() bool {
	return c.CheckpointBackend == CheckpointMongo || c.MongoArchive
}

// UsesRedis reports whether a Redis connection is needed.
func (c *Config) UsesRedis() bool {
	return c.CheckpointBackend == CheckpointRedis || c.RunLock
}

// MarketDefaults returns the constants stamped onto generated markets.
func (c *Config) MarketDefaults() models.MarketDefaults {
	return models.MarketDefaults{
		CreatorID: c.CreatorID,
		YesCount:  c.InitialYesCount,
		NoCount:   c.InitialNoCount,
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
