// Package config loads worker configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the worker reads at startup. All fields map to
// environment variables; zero values are replaced by SetDefaults.
type Config struct {
	NATSURL     string
	LiteLLMURL  string
	LiteLLMKey  string
	DatabaseURL string

	LogLevel   string
	LogService string
	HealthPort int

	// AppEnv gates dev-only features ("dev" enables them).
	AppEnv string

	StreamName string

	// Bus behavior.
	MaxRetries   int
	DrainTimeout time.Duration

	// Run protocol.
	PermissionTimeout time.Duration
	HeartbeatInterval time.Duration

	// Agent loop.
	MaxIterations int

	// Tool execution.
	BashTimeout    time.Duration
	BackendTimeout time.Duration

	// LLM gateway.
	Model          string
	EmbeddingModel string
	LLMTimeout     time.Duration

	// Retrieval index metadata store.
	IndexMetadataPath string
}

// Load reads .env files (if present) and the process environment into a
// Config with defaults applied.
func Load() (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{
		NATSURL:           os.Getenv("NATS_URL"),
		LiteLLMURL:        os.Getenv("LITELLM_URL"),
		LiteLLMKey:        os.Getenv("LITELLM_MASTER_KEY"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		LogLevel:          os.Getenv("CODEFORGE_WORKER_LOG_LEVEL"),
		LogService:        os.Getenv("CODEFORGE_WORKER_LOG_SERVICE"),
		AppEnv:            os.Getenv("APP_ENV"),
		Model:             os.Getenv("CODEFORGE_WORKER_MODEL"),
		EmbeddingModel:    os.Getenv("CODEFORGE_WORKER_EMBEDDING_MODEL"),
		IndexMetadataPath: os.Getenv("CODEFORGE_WORKER_INDEX_DB"),
	}

	if port := os.Getenv("CODEFORGE_WORKER_HEALTH_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid CODEFORGE_WORKER_HEALTH_PORT %q: %w", port, err)
		}
		cfg.HealthPort = p
	}

	cfg.SetDefaults()
	return cfg, nil
}

// SetDefaults fills zero-valued fields with production defaults.
func (c *Config) SetDefaults() {
	if c.NATSURL == "" {
		c.NATSURL = "nats://localhost:4222"
	}
	if c.LiteLLMURL == "" {
		c.LiteLLMURL = "http://localhost:4000"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogService == "" {
		c.LogService = "codeforge-worker"
	}
	if c.HealthPort == 0 {
		c.HealthPort = 8081
	}
	if c.StreamName == "" {
		c.StreamName = "CODEFORGE"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.PermissionTimeout == 0 {
		c.PermissionTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 50
	}
	if c.BashTimeout == 0 {
		c.BashTimeout = 120 * time.Second
	}
	if c.BackendTimeout == 0 {
		c.BackendTimeout = 600 * time.Second
	}
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = "text-embedding-3-small"
	}
	if c.LLMTimeout == 0 {
		c.LLMTimeout = 600 * time.Second
	}
	if c.IndexMetadataPath == "" {
		c.IndexMetadataPath = "index-metadata.db"
	}
}

// IsDev reports whether dev-only features are enabled.
func (c *Config) IsDev() bool {
	return c.AppEnv == "dev" || c.AppEnv == "development"
}

func loadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}
