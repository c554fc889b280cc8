package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pendergraft/contratweak/internal/chains/evm"
	"github.com/pendergraft/contratweak/internal/validation"
)

// Config holds all configuration for the server
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Auth      AuthConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	RPC       RPCConfig
	Projects  ProjectsConfig
	RateLimit RateLimitConfig
	Security  SecurityConfig
	Proxy     ProxyConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ReadTimeout    int // seconds
	WriteTimeout   int // seconds
	IdleTimeout    int // seconds
	RequestTimeout int // seconds; bounds API requests including tweak runs
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type     string // "sqlite" or "postgres"
	Postgres PostgresConfig
	SQLite   SQLiteConfig
}

// PostgresConfig holds Postgres connection settings
type PostgresConfig struct {
	URL string
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	Type string // "none" or "api-key"
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled bool
	Port    int // 0 serves /metrics on the main listener
}

// RPCConfig holds fork endpoint settings used by tweak runs
type RPCConfig struct {
	URL               string // fork node every server-side tweak run targets
	TimeoutSeconds    int
	MaxRetries        int
	InitialBackoffMs  int
	RequestsPerSecond float64
	Burst             int
	SetCodeMethod     string // empty = detect from web3_clientVersion
	CallGas           uint64
}

// ClientOptions converts the settings for evm.Dial.
func (c RPCConfig) ClientOptions() evm.ClientOptions {
	return evm.ClientOptions{
		Timeout:           time.Duration(c.TimeoutSeconds) * time.Second,
		MaxRetries:        c.MaxRetries,
		InitialBackoff:    time.Duration(c.InitialBackoffMs) * time.Millisecond,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		SetCodeMethod:     c.SetCodeMethod,
		CallGas:           c.CallGas,
	}
}

// ProjectsConfig holds settings for registered cloned projects
type ProjectsConfig struct {
	Root           string // imports must live under this directory
	CompilerBinary string // forge executable
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string
	Format string // "text" or "json"
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	Enabled        bool
	RequestsPerMin int
	BurstSize      int
	RunsPerMin     int // check/tweak starts per client
	RunBurst       int
	CleanupMinutes int
}

// SecurityConfig holds security filter settings
type SecurityConfig struct {
	FilterEnabled bool
	MaxBodySizeMB int
}

// ProxyConfig holds trusted proxy settings for X-Forwarded-For handling
type ProxyConfig struct {
	TrustProxy     bool
	TrustedProxies []string // CIDR notation
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvInt("PORT", 8080),
			Host:           getEnv("HOST", "0.0.0.0"),
			ReadTimeout:    getEnvInt("SERVER_READ_TIMEOUT", 30),
			WriteTimeout:   getEnvInt("SERVER_WRITE_TIMEOUT", 660),
			IdleTimeout:    getEnvInt("SERVER_IDLE_TIMEOUT", 120),
			RequestTimeout: getEnvInt("SERVER_REQUEST_TIMEOUT", 600),
		},
		Storage: StorageConfig{
			Type: getEnv("STORAGE_TYPE", "sqlite"),
			Postgres: PostgresConfig{
				URL: getEnv("DATABASE_URL", ""),
			},
			SQLite: SQLiteConfig{
				Path: getEnv("SQLITE_PATH", "./data/contratweak.db"),
			},
		},
		Auth: AuthConfig{
			Type: getEnv("AUTH_TYPE", "none"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Port:    getEnvInt("METRICS_PORT", 0),
		},
		RPC: RPCConfig{
			URL:               getEnv("RPC_URL", "http://127.0.0.1:8545"),
			TimeoutSeconds:    getEnvInt("RPC_TIMEOUT_SECONDS", 30),
			MaxRetries:        getEnvInt("RPC_MAX_RETRIES", 3),
			InitialBackoffMs:  getEnvInt("RPC_INITIAL_BACKOFF_MS", 200),
			RequestsPerSecond: getEnvFloat("RPC_REQUESTS_PER_SECOND", 20),
			Burst:             getEnvInt("RPC_BURST", 10),
			SetCodeMethod:     getEnv("RPC_SET_CODE_METHOD", ""),
			CallGas:           uint64(getEnvInt("RPC_CALL_GAS", 30_000_000)),
		},
		Projects: ProjectsConfig{
			Root:           getEnv("PROJECTS_ROOT", "./projects"),
			CompilerBinary: getEnv("FORGE_BIN", "forge"),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerMin: getEnvInt("RATE_LIMIT_RPM", 300),
			BurstSize:      getEnvInt("RATE_LIMIT_BURST", 50),
			RunsPerMin:     getEnvInt("RATE_LIMIT_RUNS_PER_MIN", 30),
			RunBurst:       getEnvInt("RATE_LIMIT_RUN_BURST", 5),
			CleanupMinutes: getEnvInt("RATE_LIMIT_CLEANUP_MINUTES", 10),
		},
		Security: SecurityConfig{
			FilterEnabled: getEnvBool("SECURITY_FILTER_ENABLED", true),
			MaxBodySizeMB: getEnvInt("SECURITY_MAX_BODY_SIZE_MB", 50),
		},
		Proxy: ProxyConfig{
			TrustProxy:     getEnvBool("TRUST_PROXY", false),
			TrustedProxies: getEnvStringSlice("TRUSTED_PROXIES", []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}),
		},
	}

	// If DATABASE_URL is set, default to postgres
	if cfg.Storage.Postgres.URL != "" && cfg.Storage.Type == "sqlite" {
		cfg.Storage.Type = "postgres"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("STORAGE_TYPE must be sqlite or postgres, got %q", c.Storage.Type)
	}
	switch c.Auth.Type {
	case "none", "api-key":
	default:
		return fmt.Errorf("AUTH_TYPE must be none or api-key, got %q", c.Auth.Type)
	}
	if c.RPC.URL != "" {
		if err := validation.ValidateRPCURL(c.RPC.URL); err != nil {
			return fmt.Errorf("RPC_URL: %w", err)
		}
	}
	if c.RPC.SetCodeMethod != "" && !slices.Contains(evm.SetCodeMethods, c.RPC.SetCodeMethod) {
		return fmt.Errorf("RPC_SET_CODE_METHOD %q is not a known set-code method", c.RPC.SetCodeMethod)
	}
	if c.Server.RequestTimeout > 0 && c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Server.RequestTimeout {
		return errors.New("SERVER_WRITE_TIMEOUT must exceed SERVER_REQUEST_TIMEOUT")
	}
	if c.RPC.TimeoutSeconds <= 0 {
		return errors.New("RPC_TIMEOUT_SECONDS must be positive")
	}
	if c.RPC.MaxRetries < 0 {
		return errors.New("RPC_MAX_RETRIES cannot be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
