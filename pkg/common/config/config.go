package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	ServerPort   string
	ServerHost   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis (queue broker)
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka (saved-article events)
	KafkaBrokers    []string
	KafkaGroupID    string
	ArticleTopic    string
	EnrichmentGroup string

	// Source client
	SourceBaseURL    string
	SourceCategories []string
	SourceTimeout    time.Duration
	FetchLimit       int
	FetchBatchSize   int
	FetchBatchPause  time.Duration

	// Deduplication
	DedupSimilarityThreshold float64
	DedupTitleWindow         time.Duration

	// Storage
	SaveSubBatchSize int
	StorageRetries   int
	StorageRetryBase time.Duration
	CleanupAfterDays int
	SourceReputation int

	// Queue
	QueuePrefix        string
	QueueMaxAttempts   int
	QueueBackoffBase   time.Duration
	QueueKeepCompleted int
	QueueKeepFailed    int
	QueueWorkers       int
	QueueLeaseTime     time.Duration
	SingleJobMaxJitter time.Duration

	// Scheduler
	IngestInterval      time.Duration
	PendingScanInterval time.Duration
	PendingScanBatch    int
	MaintenanceInterval time.Duration
	FailedRetryBatch    int

	// Enrichment / summarizer
	SummarizerPrimaryURL   string
	SummarizerSecondaryURL string
	SummarizerTimeout      time.Duration
	ContentFetchTimeout    time.Duration

	// Raw HTML archive (optional, disabled when bucket is empty)
	ArchiveBucket string
	ArchiveRegion string
}

func Load() *Config {
	// A local .env is convenient in development; absence is not an error.
	_ = godotenv.Load()

	return &Config{
		ServerPort:   getEnv("SERVER_PORT", "8080"),
		ServerHost:   getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 30*time.Second),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "newsloom"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "newsloom123"),
		PostgresDB:       getEnv("POSTGRES_DB", "newsloom"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:    getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:    getEnv("KAFKA_GROUP_ID", "newsloom-pipeline"),
		ArticleTopic:    getEnv("ARTICLE_TOPIC", "article.saved"),
		EnrichmentGroup: getEnv("ENRICHMENT_GROUP_ID", "enrichment-service"),

		SourceBaseURL:    getEnv("SOURCE_BASE_URL", "https://hacker-news.firebaseio.com/v0"),
		SourceCategories: getStringSliceEnv("SOURCE_CATEGORIES", []string{"top", "best", "new"}),
		SourceTimeout:    getDuration("SOURCE_TIMEOUT", 10*time.Second),
		FetchLimit:       getIntEnv("FETCH_LIMIT", 30),
		FetchBatchSize:   getIntEnv("FETCH_BATCH_SIZE", 5),
		FetchBatchPause:  getDuration("FETCH_BATCH_PAUSE", 100*time.Millisecond),

		DedupSimilarityThreshold: getFloatEnv("DEDUP_SIMILARITY_THRESHOLD", 0.80),
		DedupTitleWindow:         getDuration("DEDUP_TITLE_WINDOW", 30*24*time.Hour),

		SaveSubBatchSize: getIntEnv("SAVE_SUB_BATCH_SIZE", 50),
		StorageRetries:   getIntEnv("STORAGE_RETRIES", 3),
		StorageRetryBase: getDuration("STORAGE_RETRY_BASE", time.Second),
		CleanupAfterDays: getIntEnv("CLEANUP_AFTER_DAYS", 30),
		SourceReputation: getIntEnv("SOURCE_REPUTATION", 70),

		QueuePrefix:        getEnv("QUEUE_PREFIX", "newsloom:queue"),
		QueueMaxAttempts:   getIntEnv("QUEUE_MAX_ATTEMPTS", 5),
		QueueBackoffBase:   getDuration("QUEUE_BACKOFF_BASE", 5*time.Second),
		QueueKeepCompleted: getIntEnv("QUEUE_KEEP_COMPLETED", 1000),
		QueueKeepFailed:    getIntEnv("QUEUE_KEEP_FAILED", 5000),
		QueueWorkers:       getIntEnv("QUEUE_WORKERS", 4),
		QueueLeaseTime:     getDuration("QUEUE_LEASE_TIME", 5*time.Minute),
		SingleJobMaxJitter: getDuration("SINGLE_JOB_MAX_JITTER", 30*time.Second),

		IngestInterval:      getDuration("INGEST_INTERVAL", 30*time.Minute),
		PendingScanInterval: getDuration("PENDING_SCAN_INTERVAL", 15*time.Minute),
		PendingScanBatch:    getIntEnv("PENDING_SCAN_BATCH", 5),
		MaintenanceInterval: getDuration("MAINTENANCE_INTERVAL", 24*time.Hour),
		FailedRetryBatch:    getIntEnv("FAILED_RETRY_BATCH", 50),

		SummarizerPrimaryURL:   getEnv("SUMMARIZER_PRIMARY_URL", ""),
		SummarizerSecondaryURL: getEnv("SUMMARIZER_SECONDARY_URL", ""),
		SummarizerTimeout:      getDuration("SUMMARIZER_TIMEOUT", 30*time.Second),
		ContentFetchTimeout:    getDuration("CONTENT_FETCH_TIMEOUT", 10*time.Second),

		ArchiveBucket: getEnv("ARCHIVE_BUCKET", ""),
		ArchiveRegion: getEnv("ARCHIVE_REGION", "us-east-1"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
