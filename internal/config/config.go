// Package config loads typed runtime configuration from environment
// variables, plus an optional declarative YAML file describing the
// repositories and groups to reconcile into the database at startup.
package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	Server     ServerConfig
	DB         DBConfig
	Storage    StorageConfig
	WorkerPool WorkerPoolConfig
	Eviction   EvictionConfig
	RateLimit  RateLimitConfig
	Targets    TargetsConfig
	ReposFile  string
}

// TargetsConfig names the group that each protocol adapter serves. Every
// name is bound as a group target; there is no fallback to a single
// repository of the same name. Declarative repos files are expected to define a group per format using
// these names, so every protocol's traffic fans out across its configured
// upstreams without any URL-level repository selection.
type TargetsConfig struct {
	NPM    string
	PyPI   string
	Docker string
	Go     string
	Maven  string
	NuGet  string
}

type ServerConfig struct {
	Host string
	Port string
}

type DBConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// StorageConfig selects and configures the object store backend.
type StorageConfig struct {
	Backend string // "local" or "s3"

	LocalPath string

	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Timeout   time.Duration
}

type WorkerPoolConfig struct {
	Workers   int
	QueueSize int
}

type EvictionConfig struct {
	Interval  time.Duration
	BatchSize int
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

func Load() (*Config, error) {
	evictionInterval, err := time.ParseDuration(envOrDefault("REGISTRYPROXY_EVICTION_INTERVAL", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid REGISTRYPROXY_EVICTION_INTERVAL: %w", err)
	}
	s3Timeout, err := time.ParseDuration(envOrDefault("REGISTRYPROXY_S3_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid REGISTRYPROXY_S3_TIMEOUT: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: envOrDefault("REGISTRYPROXY_HOST", "0.0.0.0"),
			Port: envOrDefault("REGISTRYPROXY_PORT", "8080"),
		},
		DB: DBConfig{
			Host:     envOrDefault("REGISTRYPROXY_DB_HOST", "localhost"),
			Port:     envOrDefault("REGISTRYPROXY_DB_PORT", "5432"),
			Name:     envOrDefault("REGISTRYPROXY_DB_NAME", "registryproxy"),
			User:     envOrDefault("REGISTRYPROXY_DB_USER", "registryproxy"),
			Password: envOrDefault("REGISTRYPROXY_DB_PASSWORD", "registryproxy"),
			SSLMode:  envOrDefault("REGISTRYPROXY_DB_SSLMODE", "disable"),
		},
		Storage: StorageConfig{
			Backend:     envOrDefault("REGISTRYPROXY_STORAGE_BACKEND", "local"),
			LocalPath:   envOrDefault("REGISTRYPROXY_STORAGE_PATH", "/data/artifacts"),
			S3Endpoint:  envOrDefault("REGISTRYPROXY_S3_ENDPOINT", ""),
			S3Region:    envOrDefault("REGISTRYPROXY_S3_REGION", "us-east-1"),
			S3Bucket:    envOrDefault("REGISTRYPROXY_S3_BUCKET", ""),
			S3AccessKey: envOrDefault("REGISTRYPROXY_S3_ACCESS_KEY", ""),
			S3SecretKey: envOrDefault("REGISTRYPROXY_S3_SECRET_KEY", ""),
			S3Timeout:   s3Timeout,
		},
		WorkerPool: WorkerPoolConfig{
			Workers:   envOrDefaultInt("REGISTRYPROXY_WORKER_COUNT", 16),
			QueueSize: envOrDefaultInt("REGISTRYPROXY_WORKER_QUEUE_SIZE", 1024),
		},
		Eviction: EvictionConfig{
			Interval:  evictionInterval,
			BatchSize: envOrDefaultInt("REGISTRYPROXY_EVICTION_BATCH_SIZE", 100),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envOrDefaultFloat("REGISTRYPROXY_RATE_LIMIT_RPS", 50),
			Burst:             envOrDefaultInt("REGISTRYPROXY_RATE_LIMIT_BURST", 100),
		},
		Targets: TargetsConfig{
			NPM:    envOrDefault("REGISTRYPROXY_TARGET_NPM", "npm"),
			PyPI:   envOrDefault("REGISTRYPROXY_TARGET_PYPI", "pypi"),
			Docker: envOrDefault("REGISTRYPROXY_TARGET_DOCKER", "docker"),
			Go:     envOrDefault("REGISTRYPROXY_TARGET_GO", "go"),
			Maven:  envOrDefault("REGISTRYPROXY_TARGET_MAVEN", "maven"),
			NuGet:  envOrDefault("REGISTRYPROXY_TARGET_NUGET", "nuget"),
		},
		ReposFile: envOrDefault("REGISTRYPROXY_REPOS_FILE", ""),
	}

	return cfg, nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
		return fallback
	}
	return f
}
