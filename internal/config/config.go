// Package config holds the service configuration with YAML file and
// environment variable loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete service configuration
type Configuration struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig represents HTTP server settings
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableCORS      bool          `yaml:"enable_cors"`
}

// StorageConfig represents table-store settings
type StorageConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Table   string        `yaml:"table"`
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig represents instrumentation settings
type MetricsConfig struct {
	Path            string        `yaml:"path"`
	GroupPaths      bool          `yaml:"group_paths"`
	ExcludePaths    []string      `yaml:"exclude_paths"`
	SampleInterval  time.Duration `yaml:"sample_interval"`
	DiskPath        string        `yaml:"disk_path"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MaxRequestAge   time.Duration `yaml:"max_request_age"`
	DurationBuckets []float64     `yaml:"duration_buckets"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			EnableCORS:      true,
		},
		Storage: StorageConfig{
			BaseURL: "",
			APIKey:  "",
			Table:   "items",
			Timeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Path:       "/metrics",
			GroupPaths: true,
			ExcludePaths: []string{
				"/metrics",
				"/docs",
				"/redoc",
				"/openapi.json",
				"/favicon.ico",
			},
			SampleInterval:  5 * time.Second,
			DiskPath:        "/",
			CleanupInterval: 5 * time.Minute,
			MaxRequestAge:   5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Server settings
	if val := os.Getenv("METRICSD_HOST"); val != "" {
		c.Server.Host = val
	}
	if val := os.Getenv("METRICSD_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Server.Port = port
		}
	}
	if val := os.Getenv("METRICSD_ENABLE_CORS"); val != "" {
		c.Server.EnableCORS = strings.ToLower(val) == "true"
	}

	// Storage settings
	if val := os.Getenv("METRICSD_STORAGE_URL"); val != "" {
		c.Storage.BaseURL = val
	}
	if val := os.Getenv("METRICSD_STORAGE_KEY"); val != "" {
		c.Storage.APIKey = val
	}
	if val := os.Getenv("METRICSD_STORAGE_TABLE"); val != "" {
		c.Storage.Table = val
	}
	if val := os.Getenv("METRICSD_STORAGE_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Storage.Timeout = duration
		}
	}

	// Metrics settings
	if val := os.Getenv("METRICSD_METRICS_PATH"); val != "" {
		c.Metrics.Path = val
	}
	if val := os.Getenv("METRICSD_GROUP_PATHS"); val != "" {
		c.Metrics.GroupPaths = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("METRICSD_EXCLUDE_PATHS"); val != "" {
		c.Metrics.ExcludePaths = strings.Split(val, ",")
	}
	if val := os.Getenv("METRICSD_SAMPLE_INTERVAL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Metrics.SampleInterval = duration
		}
	}
	if val := os.Getenv("METRICSD_DISK_PATH"); val != "" {
		c.Metrics.DiskPath = val
	}
	if val := os.Getenv("METRICSD_CLEANUP_INTERVAL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Metrics.CleanupInterval = duration
		}
	}
	if val := os.Getenv("METRICSD_MAX_REQUEST_AGE"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Metrics.MaxRequestAge = duration
		}
	}
	if val := os.Getenv("METRICSD_DURATION_BUCKETS"); val != "" {
		if buckets, err := parseBuckets(val); err == nil {
			c.Metrics.DurationBuckets = buckets
		}
	}

	// Logging settings
	if val := os.Getenv("METRICSD_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("METRICSD_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}

	return nil
}

// parseBuckets parses a comma-separated list of float bucket bounds
func parseBuckets(value string) ([]float64, error) {
	parts := strings.Split(value, ",")
	buckets := make([]float64, 0, len(parts))
	for _, part := range parts {
		bound, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bucket bound %q: %w", part, err)
		}
		buckets = append(buckets, bound)
	}
	return buckets, nil
}

// Validate checks configuration consistency
func (c *Configuration) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if c.Storage.BaseURL == "" {
		return fmt.Errorf("storage base_url is required")
	}

	if c.Storage.APIKey == "" {
		return fmt.Errorf("storage api_key is required")
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /")
	}

	if c.Metrics.SampleInterval <= 0 {
		return fmt.Errorf("sample_interval must be greater than 0")
	}

	for i := 1; i < len(c.Metrics.DurationBuckets); i++ {
		if c.Metrics.DurationBuckets[i] <= c.Metrics.DurationBuckets[i-1] {
			return fmt.Errorf("duration_buckets must be strictly increasing")
		}
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Logging.Level) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)",
			c.Logging.Level, strings.Join(validLogLevels, ", "))
	}

	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// Address returns the listen address for the HTTP server
func (c *Configuration) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
