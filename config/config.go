package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment  string
	Domains      []string
	CertCacheDir string
	HTTPPort     string
	HTTPSPort    string
	LogDir       string

	DatabaseURL string

	StorageURL        string
	StorageServiceKey string
	StorageBucket     string
	SignedURLTTL      time.Duration

	ParseAPIURL    string
	ParseAPIKey    string
	WebhookBaseURL string
	ParseTimeout   time.Duration

	EmbeddingAPIURL string
	EmbeddingAPIKey string
	EmbeddingModel  string
	EmbeddingDim    int
	EmbeddingBatch  int
	EmbeddingRPS    float64

	PollInterval   time.Duration
	ClaimBatchSize int
	LeaseDuration  time.Duration
	MaxRetries     int
	WorkerPoolSize int

	MaxUploadBytes int64
	ChunkSize      int
	ChunkOverlap   float64

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	OperatorPhone    string
}

var isTest bool

func init() {
	isTest = os.Getenv("GO_ENVIRONMENT") == "test"
	if !isTest {
		err := godotenv.Load()
		if err != nil {
			log.Println("Warning: Error loading .env file:", err)
		}
	}
}

func Load() Config {
	return Config{
		Environment:  getEnv("ENVIRONMENT", "development"),
		Domains:      []string{getEnv("DOMAIN", "example.com")},
		CertCacheDir: getEnv("CERT_CACHE_DIR", "/etc/letsencrypt/live/example.com"),
		HTTPPort:     getEnv("HTTP_PORT", "8086"),
		HTTPSPort:    getEnv("HTTPS_PORT", "443"),
		LogDir:       getEnv("LOG_DIR", "logs"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		StorageURL:        getEnv("STORAGE_URL", "http://localhost:54321"),
		StorageServiceKey: getEnv("STORAGE_SERVICE_KEY", ""),
		StorageBucket:     getEnv("STORAGE_BUCKET", "documents"),
		SignedURLTTL:      getEnvAsDuration("SIGNED_URL_TTL_SECONDS", 900),

		ParseAPIURL:    getEnv("PARSE_API_URL", "https://api.cloudparse.dev"),
		ParseAPIKey:    getEnv("PARSE_API_KEY", ""),
		WebhookBaseURL: getEnv("WEBHOOK_BASE_URL", "http://localhost:8086"),
		ParseTimeout:   getEnvAsDuration("PARSE_TIMEOUT_SECONDS", 300),

		EmbeddingAPIURL: getEnv("EMBEDDING_API_URL", "https://api.openai.com/v1/embeddings"),
		EmbeddingAPIKey: getEnv("EMBEDDING_API_KEY", ""),
		EmbeddingModel:  getEnv("EMBEDDING_MODEL", "text-embedding-ada-002"),
		EmbeddingDim:    getEnvAsInt("EMBEDDING_DIM", 1536),
		EmbeddingBatch:  getEnvAsInt("EMBEDDING_BATCH_SIZE", 64),
		EmbeddingRPS:    getEnvAsFloat("EMBEDDING_RPS", 3.0),

		PollInterval:   getEnvAsDuration("POLL_INTERVAL_SECONDS", 5),
		ClaimBatchSize: getEnvAsInt("CLAIM_BATCH_SIZE", 10),
		LeaseDuration:  getEnvAsDuration("LEASE_DURATION_SECONDS", 120),
		MaxRetries:     getEnvAsInt("MAX_RETRIES", 5),
		WorkerPoolSize: getEnvAsInt("WORKER_POOL_SIZE", 4),

		MaxUploadBytes: int64(getEnvAsInt("MAX_UPLOAD_BYTES", 25<<20)),
		ChunkSize:      getEnvAsInt("CHUNK_SIZE", 1000),
		ChunkOverlap:   getEnvAsFloat("CHUNK_OVERLAP_FRACTION", 0.2),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber: getEnv("TWILIO_FROM_NUMBER", ""),
		OperatorPhone:    getEnv("OPERATOR_PHONE", ""),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallbackSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, fallbackSeconds)) * time.Second
}
