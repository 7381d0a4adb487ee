package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Redis      RedisConfig      `yaml:"redis"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	Mode     string `yaml:"mode"` // gin mode: debug|release
}

// PipelineConfig holds upload pipeline tuning knobs.
type PipelineConfig struct {
	UploadDir        string        `yaml:"upload_dir"`
	Concurrency      int           `yaml:"concurrency"`
	MaxRetries       int           `yaml:"max_retries"`
	ProcessTimeout   time.Duration `yaml:"process_timeout"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	StuckThreshold   time.Duration `yaml:"stuck_threshold"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	RetentionAge     time.Duration `yaml:"retention_age"`
}

// ExtractionConfig holds provider configuration for the extraction gateway.
type ExtractionConfig struct {
	DocAI  DocAIConfig  `yaml:"docai"`
	OpenAI OpenAIConfig `yaml:"openai"`
}

// DocAIConfig configures the Google Document AI invoice processor.
type DocAIConfig struct {
	ProjectID   string `yaml:"project_id"`
	Location    string `yaml:"location"`
	ProcessorID string `yaml:"processor_id"`
}

// OpenAIConfig configures the fallback chat-completions provider.
type OpenAIConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RedisConfig configures the notification sink.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// LoadConfig reads the optional YAML file at path (skipped when path is empty
// or missing), then applies environment overrides on top.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Server: ServerConfig{
			HTTPAddr: ":8080",
			Mode:     "release",
		},
		Pipeline: PipelineConfig{
			UploadDir:        "./uploads",
			Concurrency:      5,
			MaxRetries:       3,
			ProcessTimeout:   5 * time.Minute,
			WatchdogInterval: 2 * time.Minute,
			StuckThreshold:   5 * time.Minute,
			CleanupInterval:  5 * time.Minute,
			RetentionAge:     15 * time.Minute,
		},
		Extraction: ExtractionConfig{
			DocAI: DocAIConfig{
				Location: "us",
			},
			OpenAI: OpenAIConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   "gpt-4o-mini",
				Timeout: 45 * time.Second,
			},
		},
		Redis: RedisConfig{
			Channel: "invoiceflow:uploads",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Database.DSN = getEnv("DB_URL", cfg.Database.DSN)
	cfg.Database.MaxOpenConns = getEnvAsInt("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getEnvAsInt("DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnMaxLifetime = getEnvAsDuration("DB_CONN_MAX_LIFETIME", cfg.Database.ConnMaxLifetime)

	cfg.Server.HTTPAddr = getEnv("HTTP_ADDR", cfg.Server.HTTPAddr)
	cfg.Server.Mode = getEnv("GIN_MODE", cfg.Server.Mode)

	cfg.Pipeline.UploadDir = getEnv("UPLOAD_DIR", cfg.Pipeline.UploadDir)
	cfg.Pipeline.Concurrency = getEnvAsInt("PIPELINE_CONCURRENCY", cfg.Pipeline.Concurrency)
	cfg.Pipeline.MaxRetries = getEnvAsInt("PIPELINE_MAX_RETRIES", cfg.Pipeline.MaxRetries)
	cfg.Pipeline.ProcessTimeout = getEnvAsDuration("PIPELINE_PROCESS_TIMEOUT", cfg.Pipeline.ProcessTimeout)
	cfg.Pipeline.WatchdogInterval = getEnvAsDuration("PIPELINE_WATCHDOG_INTERVAL", cfg.Pipeline.WatchdogInterval)
	cfg.Pipeline.StuckThreshold = getEnvAsDuration("PIPELINE_STUCK_THRESHOLD", cfg.Pipeline.StuckThreshold)
	cfg.Pipeline.CleanupInterval = getEnvAsDuration("PIPELINE_CLEANUP_INTERVAL", cfg.Pipeline.CleanupInterval)
	cfg.Pipeline.RetentionAge = getEnvAsDuration("PIPELINE_RETENTION_AGE", cfg.Pipeline.RetentionAge)

	cfg.Extraction.DocAI.ProjectID = getEnv("DOCAI_PROJECT_ID", cfg.Extraction.DocAI.ProjectID)
	cfg.Extraction.DocAI.Location = getEnv("DOCAI_LOCATION", cfg.Extraction.DocAI.Location)
	cfg.Extraction.DocAI.ProcessorID = getEnv("DOCAI_PROCESSOR_ID", cfg.Extraction.DocAI.ProcessorID)

	cfg.Extraction.OpenAI.BaseURL = getEnv("OPENAI_BASE_URL", cfg.Extraction.OpenAI.BaseURL)
	cfg.Extraction.OpenAI.APIKey = getEnv("OPENAI_API_KEY", cfg.Extraction.OpenAI.APIKey)
	cfg.Extraction.OpenAI.Model = getEnv("OPENAI_MODEL", cfg.Extraction.OpenAI.Model)
	cfg.Extraction.OpenAI.Temperature = getEnvAsFloat32("OPENAI_TEMPERATURE", cfg.Extraction.OpenAI.Temperature)
	cfg.Extraction.OpenAI.Timeout = getEnvAsDuration("OPENAI_TIMEOUT", cfg.Extraction.OpenAI.Timeout)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Channel = getEnv("REDIS_CHANNEL", cfg.Redis.Channel)
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Pipeline.Concurrency <= 0 {
		return NewAppError("CONFIG_ERROR", "PIPELINE_CONCURRENCY must be positive", ErrInvalidInput)
	}
	if c.Pipeline.MaxRetries < 0 {
		return NewAppError("CONFIG_ERROR", "PIPELINE_MAX_RETRIES must not be negative", ErrInvalidInput)
	}
	return nil
}

// Helper functions for environment variable parsing.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
