package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig `mapstructure:"jwt"`
	Log       LogConfig
	Redis     RedisConfig
	Crypto    CryptoConfig
	Retrieval RetrievalConfig
	GitHub    GitHubConfig
	Worker    WorkerConfig
	Webhook   WebhookConfig
	CORS      CORSConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxOpen  int
	MaxIdle  int
}

type JWTConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	TokenDuration string `mapstructure:"token_duration"` // e.g. "24h"
}

type LogConfig struct {
	Level      string
	FilePath   string
	MaxSize    int // MB
	MaxBackups int // rotated files kept
	MaxAge     int // days
	Compress   bool
	Format     string // json or text
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Prefix   string // key prefix for queues and channels
}

type CryptoConfig struct {
	EncryptionSecret string // secret the vault key is derived from
}

type RetrievalConfig struct {
	BaseURL        string
	SubmitTimeout  time.Duration
	FetchTimeout   time.Duration
	MaxRetries     uint // retries after the first attempt
	InitialBackoff time.Duration
	ResultsChannel string
}

type GitHubConfig struct {
	APIBaseURL string // empty means api.github.com
}

type WorkerConfig struct {
	RetrieveConcurrency int
	SyncConcurrency     int
	DequeueTimeout      time.Duration
	LeaseTimeout        time.Duration
	HeartbeatInterval   time.Duration // lease renewal while a job runs; defaults to a third of LeaseTimeout
	RecoverInterval     time.Duration
	MaxAttempts         int
	SyncCron            string // empty disables periodic re-sync
}

type WebhookConfig struct {
	PublicURL string   // URL GitHub posts deliveries to
	Events    []string // events subscribed when configuring a hook
}

type CORSConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int // hours
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true"
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsStringArray reads a comma separated list
func getEnvAsStringArray(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

// LoadConfig reads configuration from the environment, loading .env first when present.
func LoadConfig() (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "5000"),
			Mode: getEnv("SERVER_MODE", "debug"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "ciflow"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxOpen:  getEnvAsInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdle:  getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		},
		JWT: JWTConfig{
			SecretKey:     getEnv("JWT_SECRET_KEY", "default-secret-change-me"),
			TokenDuration: getEnv("JWT_TOKEN_DURATION", "24h"),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			FilePath:   getEnv("LOG_FILE_PATH", "logs/ciflow.log"),
			MaxSize:    getEnvAsInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 7),
			MaxAge:     getEnvAsInt("LOG_MAX_AGE", 30),
			Compress:   getEnvAsBool("LOG_COMPRESS", true),
			Format:     getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "ciflow"),
		},
		Crypto: CryptoConfig{
			EncryptionSecret: getEnv("ENCRYPTION_SECRET", "ciflow-default-encryption-secret"),
		},
		Retrieval: RetrievalConfig{
			BaseURL:        getEnv("RETRIEVAL_BASE_URL", "http://localhost:4567"),
			SubmitTimeout:  getEnvAsDuration("RETRIEVAL_SUBMIT_TIMEOUT", 30*time.Second),
			FetchTimeout:   getEnvAsDuration("RETRIEVAL_FETCH_TIMEOUT", 600*time.Second),
			MaxRetries:     uint(getEnvAsInt("RETRIEVAL_MAX_RETRIES", 5)),
			InitialBackoff: getEnvAsDuration("RETRIEVAL_INITIAL_BACKOFF", 500*time.Millisecond),
			ResultsChannel: getEnv("RETRIEVAL_RESULTS_CHANNEL", "retrieve_results"),
		},
		GitHub: GitHubConfig{
			APIBaseURL: getEnv("GITHUB_API_BASE_URL", ""),
		},
		Worker: WorkerConfig{
			RetrieveConcurrency: getEnvAsInt("WORKER_RETRIEVE_CONCURRENCY", 2),
			SyncConcurrency:     getEnvAsInt("WORKER_SYNC_CONCURRENCY", 2),
			DequeueTimeout:      getEnvAsDuration("WORKER_DEQUEUE_TIMEOUT", time.Second),
			LeaseTimeout:        getEnvAsDuration("WORKER_LEASE_TIMEOUT", 15*time.Minute),
			HeartbeatInterval:   getEnvAsDuration("WORKER_HEARTBEAT_INTERVAL", 0),
			RecoverInterval:     getEnvAsDuration("WORKER_RECOVER_INTERVAL", 2*time.Minute),
			MaxAttempts:         getEnvAsInt("WORKER_MAX_ATTEMPTS", 3),
			SyncCron:            getEnv("SYNC_CRON", "@every 30m"),
		},
		Webhook: WebhookConfig{
			PublicURL: getEnv("WEBHOOK_URL", "http://localhost:5000/api/v1/webhooks/github"),
			Events:    getEnvAsStringArray("WEBHOOK_EVENTS", []string{"push", "workflow_run"}),
		},
		CORS: CORSConfig{
			AllowOrigins:     getEnvAsStringArray("CORS_ALLOW_ORIGINS", []string{"http://localhost:3000"}),
			AllowMethods:     getEnvAsStringArray("CORS_ALLOW_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"}),
			AllowHeaders:     getEnvAsStringArray("CORS_ALLOW_HEADERS", []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Requested-With"}),
			ExposeHeaders:    getEnvAsStringArray("CORS_EXPOSE_HEADERS", []string{"Content-Length", "Content-Type"}),
			AllowCredentials: getEnvAsBool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           getEnvAsInt("CORS_MAX_AGE", 12),
		},
	}

	return config, nil
}
