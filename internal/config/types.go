package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Logger        LoggerConfig        `yaml:"logger"`
	Auth          AuthConfig          `yaml:"auth"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Retention     RetentionConfig     `yaml:"retention"`
	Feed          FeedConfig          `yaml:"feed"`
	Alert         AlertConfig         `yaml:"alert"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite, mysql, postgres
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Output string `yaml:"output"` // stdout, stderr, or file path
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type IngestConfig struct {
	// FreshnessSeconds is the maximum age of a sample still considered
	// current. Beyond it, latest() reports no data and resources go unknown.
	FreshnessSeconds int `yaml:"freshness_seconds"`
	// DefaultBucketSeconds is the query bucket width when the caller does
	// not pass an interval.
	DefaultBucketSeconds int `yaml:"default_bucket_seconds"`
	// RollupBucketSeconds is the bucket width of persisted rollups.
	RollupBucketSeconds int `yaml:"rollup_bucket_seconds"`
	// RollupIntervalSeconds is how often the rollup worker runs.
	RollupIntervalSeconds int `yaml:"rollup_interval_seconds"`
}

type RetentionConfig struct {
	RawDays              int `yaml:"raw_days"`
	RollupDays           int `yaml:"rollup_days"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

type FeedConfig struct {
	// SubscriberBuffer is the per-subscriber channel depth. When a
	// subscriber falls behind, updates for it are dropped; the publisher
	// never blocks.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	WriteWaitSeconds int `yaml:"write_wait_seconds"`
}

type AlertConfig struct {
	Enabled              bool `yaml:"enabled"`
	NotifyTimeoutSeconds int  `yaml:"notify_timeout_seconds"`
}

type ElasticsearchConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Addresses   []string `yaml:"addresses"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	IndexPrefix string   `yaml:"index_prefix"`
}

// Freshness returns the freshness horizon as a duration.
func (c *IngestConfig) Freshness() time.Duration {
	return time.Duration(c.FreshnessSeconds) * time.Second
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&config)

	return &config, nil
}

// Load builds configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:     getEnv("HOST", "0.0.0.0"),
			HTTPPort: getEnvInt("HTTP_PORT", 3001),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "ankercloud"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "ankercloud.db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logger: LoggerConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Ingest: IngestConfig{
			FreshnessSeconds:      getEnvInt("INGEST_FRESHNESS_SECONDS", 300),
			DefaultBucketSeconds:  getEnvInt("INGEST_DEFAULT_BUCKET_SECONDS", 300),
			RollupBucketSeconds:   getEnvInt("INGEST_ROLLUP_BUCKET_SECONDS", 3600),
			RollupIntervalSeconds: getEnvInt("INGEST_ROLLUP_INTERVAL_SECONDS", 300),
		},
		Retention: RetentionConfig{
			RawDays:              getEnvInt("RETENTION_RAW_DAYS", 7),
			RollupDays:           getEnvInt("RETENTION_ROLLUP_DAYS", 90),
			SweepIntervalSeconds: getEnvInt("RETENTION_SWEEP_SECONDS", 3600),
		},
		Feed: FeedConfig{
			SubscriberBuffer: getEnvInt("FEED_SUBSCRIBER_BUFFER", 32),
			HeartbeatSeconds: getEnvInt("FEED_HEARTBEAT_SECONDS", 30),
			WriteWaitSeconds: getEnvInt("FEED_WRITE_WAIT_SECONDS", 10),
		},
		Alert: AlertConfig{
			Enabled:              getEnvBool("ALERT_ENABLED", true),
			NotifyTimeoutSeconds: getEnvInt("ALERT_NOTIFY_TIMEOUT", 30),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:     getEnvBool("ES_ENABLED", false),
			Addresses:   getEnvSlice("ES_ADDRESSES", []string{"http://localhost:9200"}),
			Username:    getEnv("ES_USERNAME", ""),
			Password:    getEnv("ES_PASSWORD", ""),
			IndexPrefix: getEnv("ES_INDEX_PREFIX", "ankercloud-samples"),
		},
	}

	setDefaults(cfg)
	return cfg
}

func setDefaults(config *Config) {
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.HTTPPort == 0 {
		config.Server.HTTPPort = 3001
	}
	if config.Database.Driver == "" {
		config.Database.Driver = "sqlite"
	}
	if config.Database.DBName == "" {
		config.Database.DBName = "ankercloud.db"
	}
	if config.Logger.Level == "" {
		config.Logger.Level = "info"
	}
	if config.Logger.Output == "" {
		config.Logger.Output = "stdout"
	}
	if config.Ingest.FreshnessSeconds == 0 {
		config.Ingest.FreshnessSeconds = 300
	}
	if config.Ingest.DefaultBucketSeconds == 0 {
		config.Ingest.DefaultBucketSeconds = 300
	}
	if config.Ingest.RollupBucketSeconds == 0 {
		config.Ingest.RollupBucketSeconds = 3600
	}
	if config.Ingest.RollupIntervalSeconds == 0 {
		config.Ingest.RollupIntervalSeconds = 300
	}
	if config.Retention.RawDays == 0 {
		config.Retention.RawDays = 7
	}
	if config.Retention.RollupDays == 0 {
		config.Retention.RollupDays = 90
	}
	if config.Retention.SweepIntervalSeconds == 0 {
		config.Retention.SweepIntervalSeconds = 3600
	}
	if config.Feed.SubscriberBuffer == 0 {
		config.Feed.SubscriberBuffer = 32
	}
	if config.Feed.HeartbeatSeconds == 0 {
		config.Feed.HeartbeatSeconds = 30
	}
	if config.Feed.WriteWaitSeconds == 0 {
		config.Feed.WriteWaitSeconds = 10
	}
	if config.Alert.NotifyTimeoutSeconds == 0 {
		config.Alert.NotifyTimeoutSeconds = 30
	}
	if config.Elasticsearch.IndexPrefix == "" {
		config.Elasticsearch.IndexPrefix = "ankercloud-samples"
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		var intVal int
		if _, err := fmt.Sscanf(val, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}

func getEnvSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		var result []string
		for _, part := range strings.Split(val, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	validDrivers := map[string]bool{
		"sqlite":   true,
		"mysql":    true,
		"postgres": true,
	}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}
	if c.Database.Driver != "sqlite" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host cannot be empty for %s", c.Database.Driver)
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("invalid database port: %d", c.Database.Port)
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user cannot be empty for %s", c.Database.Driver)
		}
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logger.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logger.Level)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret must be set")
	}

	if c.Ingest.FreshnessSeconds < 1 {
		return fmt.Errorf("ingest freshness must be at least 1 second")
	}
	if c.Ingest.DefaultBucketSeconds < 1 || c.Ingest.RollupBucketSeconds < 1 {
		return fmt.Errorf("bucket widths must be at least 1 second")
	}
	if c.Retention.RawDays < 1 || c.Retention.RollupDays < 1 {
		return fmt.Errorf("retention horizons must be at least 1 day")
	}
	if c.Feed.SubscriberBuffer < 1 {
		return fmt.Errorf("feed subscriber buffer must be at least 1")
	}

	if c.Elasticsearch.Enabled && len(c.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("elasticsearch addresses cannot be empty when enabled")
	}

	return nil
}
