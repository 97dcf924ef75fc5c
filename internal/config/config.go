// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the job history database (always absolute)
	LogLevel string
	Port     int
	DevMode  bool
	Jobs     JobsConfig
	Archive  ArchiveConfig
}

// JobsConfig sizes the background job engine.
type JobsConfig struct {
	MaxConcurrent    int           // Admission permits (jobs RUNNING at once)
	Workers          int           // Worker goroutines; 0 = logical CPU count
	Timeout          time.Duration // Wall-clock budget of a running job; 0 = none
	MailboxSize      int           // Per-subscriber event buffer
	ProgressInterval time.Duration // Minimum gap between progress events of one job
	ReaperSchedule   string        // Cron schedule for cleanup of finished jobs
	MaxAge           time.Duration // How long finished jobs stay queryable in memory
}

// ArchiveConfig configures where reaped jobs are archived.
type ArchiveConfig struct {
	// S3 / R2 sink. Disabled when S3Bucket is empty.
	S3Bucket    string
	S3Endpoint  string // Custom endpoint for R2 or MinIO; empty = AWS
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Prefix    string
}

// S3Enabled reports whether the S3 sink is configured.
func (a ArchiveConfig) S3Enabled() bool {
	return a.S3Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("QUANTLAB_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("GO_PORT", 8001),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Jobs: JobsConfig{
			MaxConcurrent:    getEnvAsInt("JOB_MAX_CONCURRENT", 2),
			Workers:          getEnvAsInt("JOB_WORKERS", 0),
			Timeout:          getEnvAsDuration("JOB_TIMEOUT", 0),
			MailboxSize:      getEnvAsInt("JOB_MAILBOX_SIZE", 64),
			ProgressInterval: getEnvAsDuration("JOB_PROGRESS_INTERVAL", 100*time.Millisecond),
			ReaperSchedule:   getEnv("JOB_REAPER_SCHEDULE", "@every 5m"),
			MaxAge:           getEnvAsDuration("JOB_MAX_AGE", time.Hour),
		},
		Archive: ArchiveConfig{
			S3Bucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
			S3Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
			S3Region:    getEnv("ARCHIVE_S3_REGION", "auto"),
			S3AccessKey: getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
			S3SecretKey: getEnv("ARCHIVE_S3_SECRET_KEY", ""),
			S3Prefix:    getEnv("ARCHIVE_S3_PREFIX", "job-history"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid GO_PORT %d", c.Port)
	}
	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("JOB_MAX_CONCURRENT must be at least 1, got %d", c.Jobs.MaxConcurrent)
	}
	if c.Jobs.Workers < 0 {
		return fmt.Errorf("JOB_WORKERS must not be negative, got %d", c.Jobs.Workers)
	}
	if c.Jobs.MailboxSize < 1 {
		return fmt.Errorf("JOB_MAILBOX_SIZE must be at least 1, got %d", c.Jobs.MailboxSize)
	}
	if c.Jobs.Timeout < 0 || c.Jobs.ProgressInterval < 0 || c.Jobs.MaxAge < 0 {
		return fmt.Errorf("job durations must not be negative")
	}

	// Credentials are only required once a bucket is configured
	if c.Archive.S3Enabled() && (c.Archive.S3AccessKey == "") != (c.Archive.S3SecretKey == "") {
		return fmt.Errorf("ARCHIVE_S3_ACCESS_KEY and ARCHIVE_S3_SECRET_KEY must be set together")
	}

	return nil
}

// Helper functions
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

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s", "1h") or plain seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
