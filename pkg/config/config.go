package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string

	// IMAP account
	ImapServer     string
	ImapPort       int
	ImapUsername   string
	ImapPassword   string
	ImapAuthMethod string // "password" or "oauthbearer"
	ImapToken      string
	ImapFolders    []string // empty means discover from server

	// Sync tuning
	MaxConnections int
	SyncBatchSize  int
	SyncInterval   time.Duration
	AcquireTimeout time.Duration
	DebounceDelay  time.Duration
	IdleTimeout    time.Duration

	// Google Calendar
	GoogleClientID     string
	GoogleClientSecret string
	GoogleAccessToken  string
	GoogleRefreshToken string
	CalendarIDs        []string
	CalendarWindowPast time.Duration
	CalendarWindowNext time.Duration
	CalendarInterval   time.Duration

	// Gmail push notifications over Pub/Sub (optional)
	GoogleProjectID   string
	GooglePubSubTopic string
	GoogleCredentials string

	// Embeddings
	GeminiApiKey         string
	GeminiEmbedModel     string
	OllamaBaseURL        string
	OllamaEmbedModel     string
	EmbedBatchSize       int
	EmbedInterval        time.Duration
	ProviderCooldown     time.Duration
	EmbedFailureCeiling  int
	EmbedFailureCooldown time.Duration

	// Chroma mirror (optional)
	ChromaAPIKey   string
	ChromaTenant   string
	ChromaDatabase string
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", "host=localhost user=mailsync dbname=mailsync sslmode=disable"),

		ImapServer:     getEnv("IMAP_SERVER", ""),
		ImapPort:       getEnvInt("IMAP_PORT", 993),
		ImapUsername:   getEnv("IMAP_USERNAME", ""),
		ImapPassword:   getEnv("IMAP_PASSWORD", ""),
		ImapAuthMethod: getEnv("IMAP_AUTH_METHOD", "password"),
		ImapToken:      getEnv("IMAP_TOKEN", ""),
		ImapFolders:    getEnvList("IMAP_FOLDERS"),

		MaxConnections: getEnvInt("SYNC_MAX_CONNECTIONS", 4),
		SyncBatchSize:  getEnvInt("SYNC_BATCH_SIZE", 50),
		SyncInterval:   getEnvDuration("SYNC_INTERVAL", 5*time.Minute),
		AcquireTimeout: getEnvDuration("SYNC_ACQUIRE_TIMEOUT", 30*time.Second),
		DebounceDelay:  getEnvDuration("SYNC_DEBOUNCE_DELAY", 2*time.Second),
		IdleTimeout:    getEnvDuration("IMAP_IDLE_TIMEOUT", 24*time.Minute),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleAccessToken:  getEnv("GOOGLE_ACCESS_TOKEN", ""),
		GoogleRefreshToken: getEnv("GOOGLE_REFRESH_TOKEN", ""),
		CalendarIDs:        getEnvList("CALENDAR_IDS"),
		CalendarWindowPast: getEnvDuration("CALENDAR_WINDOW_PAST", 90*24*time.Hour),
		CalendarWindowNext: getEnvDuration("CALENDAR_WINDOW_NEXT", 365*24*time.Hour),
		CalendarInterval:   getEnvDuration("CALENDAR_INTERVAL", 5*time.Minute),

		GoogleProjectID:   getEnv("GOOGLE_PROJECT_ID", ""),
		GooglePubSubTopic: getEnv("GOOGLE_PUBSUB_TOPIC", "mailbox-updates"),
		GoogleCredentials: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),

		GeminiApiKey:         getEnv("GEMINI_API_KEY", ""),
		GeminiEmbedModel:     getEnv("GEMINI_EMBED_MODEL", "text-embedding-004"),
		OllamaBaseURL:        getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaEmbedModel:     getEnv("OLLAMA_EMBED_MODEL", "nomic-embed-text"),
		EmbedBatchSize:       getEnvInt("EMBED_BATCH_SIZE", 20),
		EmbedInterval:        getEnvDuration("EMBED_INTERVAL", 1*time.Minute),
		ProviderCooldown:     getEnvDuration("EMBED_PROVIDER_COOLDOWN", 60*time.Second),
		EmbedFailureCeiling:  getEnvInt("EMBED_FAILURE_CEILING", 5),
		EmbedFailureCooldown: getEnvDuration("EMBED_FAILURE_COOLDOWN", 5*time.Minute),

		ChromaAPIKey:   getEnv("CHROMA_API_KEY", ""),
		ChromaTenant:   getEnv("CHROMA_TENANT", ""),
		ChromaDatabase: getEnv("CHROMA_DATABASE", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvList parses a comma-separated env var into a slice, dropping empties.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
