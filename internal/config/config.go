// Package config loads datapatrol configuration from the environment.
//
// An optional .env file next to the working directory is honored for
// development; real deployments set plain environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ListenHost  string
	ListenPort  int
	MetricsPort int

	// Storage settings
	DataPath string

	// Scan settings
	ChunkSize          int           // streaming-batch chunk size
	IncrementAttempts  int           // atomic counter increment retry budget
	IncrementBaseDelay time.Duration // first retry delay, doubles per attempt

	// Logging settings
	LogLevel  string
	LogFormat string
}

// Defaults mirror what a small single-node deployment wants.
const (
	defaultListenPort  = 7810
	defaultMetricsPort = 9191
	defaultChunkSize   = 500
	defaultAttempts    = 3
	defaultBaseDelay   = 50 * time.Millisecond
	defaultDataPath    = "/var/lib/datapatrol"
)

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := &Config{
		ListenHost:         envString("DATAPATROL_HOST", "0.0.0.0"),
		ListenPort:         envInt("DATAPATROL_PORT", defaultListenPort),
		MetricsPort:        envInt("DATAPATROL_METRICS_PORT", defaultMetricsPort),
		DataPath:           envString("DATAPATROL_DATA_PATH", defaultDataPath),
		ChunkSize:          envInt("DATAPATROL_CHUNK_SIZE", defaultChunkSize),
		IncrementAttempts:  envInt("DATAPATROL_INCREMENT_ATTEMPTS", defaultAttempts),
		IncrementBaseDelay: envDuration("DATAPATROL_INCREMENT_BASE_DELAY", defaultBaseDelay),
		LogLevel:           envString("LOG_LEVEL", "info"),
		LogFormat:          envString("LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.ListenPort)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.IncrementAttempts <= 0 {
		return fmt.Errorf("increment attempts must be positive, got %d", c.IncrementAttempts)
	}
	if c.IncrementBaseDelay < 0 {
		return fmt.Errorf("increment base delay must not be negative, got %s", c.IncrementBaseDelay)
	}
	return nil
}

// ListenAddr returns the host:port pair for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

// MetricsAddr returns the host:port pair for the Prometheus endpoint.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.MetricsPort)
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return d
}
