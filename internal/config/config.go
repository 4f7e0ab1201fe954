package config

import (
	"os"
	"strconv"
	"strings"
)

// Config centralizes runtime settings for the API and pipeline workers.
type Config struct {
	Port string

	AuthToken          string
	CORSAllowedOrigins []string

	DatabaseURL string

	TextBackendURL   string
	ImageBackendURL  string
	FusionBackendURL string
	BackendTimeoutMS int
	BackendRetries   int

	DefaultTextScore  float64
	DefaultImageScore float64

	FusionWeightText     float64
	FusionWeightImage    float64
	FusionWeightMetadata float64

	AutoVerifyThreshold float64
	AutoRejectThreshold float64

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisStreamPrefix string
	RedisGroup        string
	RedisConsumer     string

	QueueMaxAttempts int
	JobTimeoutMS     int

	MediaCacheTTLSeconds int
	MediaCacheMaxEntries int

	RateLimitRPS   float64
	RateLimitBurst int

	QueueBatchingEnabled     bool
	QueueBatchSize           int
	QueueBatchFlushMS        int
	QueueBatchFlushTimeoutMS int
	QueueBatchQueueCapacity  int
	QueueBatchMaxInFlight    int

	WorkersEnabled bool
	WorkersPerLane int
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		AuthToken:          getEnv("API_AUTH_TOKEN", ""),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		TextBackendURL:   getEnv("ML_TEXT_URL", "http://localhost:8000"),
		ImageBackendURL:  getEnv("ML_IMAGE_URL", "http://localhost:8001"),
		FusionBackendURL: getEnv("ML_FUSION_URL", ""),
		BackendTimeoutMS: getEnvInt("ML_BACKEND_TIMEOUT_MS", 60000),
		BackendRetries:   getEnvInt("ML_BACKEND_RETRIES", 2),

		DefaultTextScore:  getEnvFloat("DEFAULT_TEXT_SCORE", 0.5),
		DefaultImageScore: getEnvFloat("DEFAULT_IMAGE_SCORE", 0.5),

		FusionWeightText:     getEnvFloat("FUSION_WEIGHT_TEXT", 0.35),
		FusionWeightImage:    getEnvFloat("FUSION_WEIGHT_IMAGE", 0.45),
		FusionWeightMetadata: getEnvFloat("FUSION_WEIGHT_METADATA", 0.20),

		AutoVerifyThreshold: getEnvFloat("AUTO_VERIFY_THRESHOLD", 0),
		AutoRejectThreshold: getEnvFloat("AUTO_REJECT_THRESHOLD", 0),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RedisStreamPrefix: getEnv("REDIS_STREAM_PREFIX", "verify"),
		RedisGroup:        getEnv("REDIS_GROUP", "verify_workers"),
		RedisConsumer:     getEnv("REDIS_CONSUMER", "pipeline-1"),

		QueueMaxAttempts: getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
		JobTimeoutMS:     getEnvInt("JOB_TIMEOUT_MS", 60000),

		MediaCacheTTLSeconds: getEnvInt("MEDIA_CACHE_TTL_SECONDS", 300),
		MediaCacheMaxEntries: getEnvInt("MEDIA_CACHE_MAX_ENTRIES", 256),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		QueueBatchingEnabled:     getEnvBool("QUEUE_BATCHING_ENABLED", false),
		QueueBatchSize:           getEnvInt("QUEUE_BATCH_SIZE", 32),
		QueueBatchFlushMS:        getEnvInt("QUEUE_BATCH_FLUSH_MS", 25),
		QueueBatchFlushTimeoutMS: getEnvInt("QUEUE_BATCH_FLUSH_TIMEOUT_MS", 3000),
		QueueBatchQueueCapacity:  getEnvInt("QUEUE_BATCH_QUEUE_CAPACITY", 2048),
		QueueBatchMaxInFlight:    getEnvInt("QUEUE_BATCH_MAX_IN_FLIGHT", 4),

		WorkersEnabled: getEnvBool("WORKERS_ENABLED", true),
		WorkersPerLane: getEnvInt("WORKERS_PER_LANE", 2),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	list := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			list = append(list, trimmed)
		}
	}
	if len(list) == 0 {
		return fallback
	}
	return list
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
