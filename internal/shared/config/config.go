package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`
}

// ModelConfig points at the feature metadata and the scoring pipeline artifact.
type ModelConfig struct {
	// MetadataURL is the feature metadata document (JSON or YAML)
	MetadataURL string `yaml:"metadata_url"`
	// ArtifactURL is the binary pipeline artifact produced by packmodel
	ArtifactURL string `yaml:"artifact_url"`
	// Threshold overrides the decision threshold stored in the artifact when > 0
	Threshold float64 `yaml:"threshold"`
	// TopK is the number of feature contributions shown with a prediction
	TopK int `yaml:"top_k"`
}

type CacheConfig struct {
	// Size is the number of predictions kept in memory; 0 disables the cache
	Size int `yaml:"size"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// LogConfig holds logger settings. File enables rotation through lumberjack.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "json" or "console"
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
	// Callers need at least one of these roles; empty admits any valid token.
	RequiredRoles []string `yaml:"required_roles"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultJWTSecret is only good for local development.
const DefaultJWTSecret = "dev-secret-change-in-prod"

// Defaults returns the configuration used when neither a file nor the
// environment overrides a value.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Env:  "development",
		},
		Model: ModelConfig{
			MetadataURL: "model/artifacts_metadata.json",
			ArtifactURL: "model/stroke_pipeline.bin",
			TopK:        8,
		},
		Cache: CacheConfig{Size: 1024},
		RateLimit: RateLimitConfig{
			RPS:   10,
			Burst: 20,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Auth: AuthConfig{
			JWTSecret: DefaultJWTSecret,
		},
		CORS: CORSConfig{AllowedOrigins: []string{"*"}},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// STROKERISK_CONFIG, and finally environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("STROKERISK_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.Server.Port = getEnvInt("SERVER_PORT", cfg.Server.Port)
	cfg.Server.Env = getEnv("ENV", cfg.Server.Env)

	cfg.Model.MetadataURL = getEnv("MODEL_METADATA_URL", cfg.Model.MetadataURL)
	cfg.Model.ArtifactURL = getEnv("MODEL_ARTIFACT_URL", cfg.Model.ArtifactURL)
	cfg.Model.Threshold = getEnvFloat("MODEL_THRESHOLD", cfg.Model.Threshold)
	cfg.Model.TopK = getEnvInt("MODEL_TOP_K", cfg.Model.TopK)

	cfg.Cache.Size = getEnvInt("PREDICTION_CACHE_SIZE", cfg.Cache.Size)

	cfg.RateLimit.RPS = getEnvInt("RATE_LIMIT_RPS", cfg.RateLimit.RPS)
	cfg.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", cfg.RateLimit.Burst)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.MaxSizeMB = getEnvInt("LOG_MAX_SIZE_MB", cfg.Log.MaxSizeMB)
	cfg.Log.MaxBackups = getEnvInt("LOG_MAX_BACKUPS", cfg.Log.MaxBackups)
	cfg.Log.MaxAgeDays = getEnvInt("LOG_MAX_AGE_DAYS", cfg.Log.MaxAgeDays)

	// Auth is on by default in production
	cfg.Auth.Enabled = getEnvBool("AUTH_ENABLED", cfg.Auth.Enabled || cfg.Server.Env == "production")
	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.RequiredRoles = getEnvSlice("AUTH_REQUIRED_ROLES", cfg.Auth.RequiredRoles)

	cfg.CORS.AllowedOrigins = getEnvSlice("CORS_ALLOWED_ORIGINS", cfg.CORS.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.Model.MetadataURL = normalizeURL(cfg.Model.MetadataURL)
	cfg.Model.ArtifactURL = normalizeURL(cfg.Model.ArtifactURL)
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Model.MetadataURL == "" {
		return fmt.Errorf("model metadata URL is required")
	}
	if c.Model.ArtifactURL == "" {
		return fmt.Errorf("model artifact URL is required")
	}
	if c.Model.Threshold < 0 || c.Model.Threshold >= 1 {
		return fmt.Errorf("model threshold must be in [0,1), got %v", c.Model.Threshold)
	}
	if c.Model.TopK <= 0 {
		return fmt.Errorf("model top_k must be positive, got %d", c.Model.TopK)
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("cache size must not be negative, got %d", c.Cache.Size)
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit rps and burst must be positive")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required when auth is enabled")
	}
	if c.Auth.Enabled && c.Server.Env == "production" && c.Auth.JWTSecret == DefaultJWTSecret {
		return fmt.Errorf("the default jwt secret cannot be used in production")
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// normalizeURL turns scheme-less relative paths into absolute file paths so
// storage lookups do not depend on how afs resolves the working directory.
func normalizeURL(location string) string {
	if strings.Contains(location, "://") || filepath.IsAbs(location) {
		return location
	}
	abs, err := filepath.Abs(location)
	if err != nil {
		return location
	}
	return abs
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
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				result = append(result, v)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
