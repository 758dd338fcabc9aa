// Package config loads dmchat settings from an optional YAML file overlaid
// with environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/hay-kot/criterio"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// URL is the PostgreSQL connection string.
	URL string `yaml:"url"`
}

const (
	TraceExporterNone   = "none"
	TraceExporterStdout = "stdout"
)

type TracingConfig struct {
	// Exporter is "none" or "stdout".
	Exporter string `yaml:"exporter"`
	// Output is the file spans are written to; empty means stdout.
	Output      string  `yaml:"output"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type Config struct {
	AppName  string         `yaml:"app_name"`
	Env      string         `yaml:"env"`
	Host     string         `yaml:"host"`
	Port     int            `yaml:"port"`
	LogLevel string         `yaml:"log_level"`
	Database DatabaseConfig `yaml:"database"`

	JWTSecret          string `yaml:"jwt_secret"`
	AccessTokenMinutes int    `yaml:"access_token_minutes"`
	BcryptCost         int    `yaml:"bcrypt_cost"`
	// EncryptKey enables at-rest encryption of message text when set.
	EncryptKey string `yaml:"encrypt_key"`
	// EncryptLegacyKeys are Fernet keys still accepted for decryption.
	EncryptLegacyKeys []string `yaml:"encrypt_legacy_keys"`

	CORSOrigins          []string `yaml:"cors_origins"`
	MaxMessageLength     int      `yaml:"max_message_length"`
	FriendsOnlyMessaging bool     `yaml:"friends_only_messaging"`
	SendBuffer           int      `yaml:"send_buffer"`

	Tracing TracingConfig `yaml:"tracing"`
}

// DefaultConfig returns a Config with development defaults.
func DefaultConfig() Config {
	return Config{
		AppName:  "dmchat",
		Env:      "development",
		Host:     "0.0.0.0",
		Port:     8000,
		LogLevel: "info",
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			Path:   "dmchat.db",
		},
		AccessTokenMinutes: 60 * 24,
		CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
		MaxMessageLength:   5000,
		SendBuffer:         256,
		Tracing: TracingConfig{
			Exporter:    TraceExporterNone,
			SampleRatio: 1,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if it
// exists) and then the environment, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.AppName = getEnv("APP_NAME", c.AppName)
	c.Env = getEnv("APP_ENV", c.Env)
	c.Host = getEnv("HTTP_HOST", c.Host)
	c.Port = getEnvAsInt("HTTP_PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.Path = getEnv("SQLITE_PATH", c.Database.Path)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	if c.Database.URL == "" && os.Getenv("POSTGRES_HOST") != "" {
		c.Database.URL = postgresURLFromEnv()
	}

	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.AccessTokenMinutes = getEnvAsInt("ACCESS_TOKEN_EXPIRE_MINUTES", c.AccessTokenMinutes)
	c.BcryptCost = getEnvAsInt("BCRYPT_COST", c.BcryptCost)
	c.EncryptKey = getEnv("ENCRYPTION_KEY", c.EncryptKey)

	if keys := getEnv("ENCRYPTION_LEGACY_KEYS", ""); keys != "" {
		c.EncryptLegacyKeys = splitList(keys)
	}

	if cors := getEnv("CORS_ORIGINS", ""); cors != "" {
		c.CORSOrigins = splitList(cors)
	}
	c.MaxMessageLength = getEnvAsInt("MAX_MESSAGE_LENGTH", c.MaxMessageLength)
	c.FriendsOnlyMessaging = getEnvAsBool("FRIENDS_ONLY_MESSAGING", c.FriendsOnlyMessaging)
	c.SendBuffer = getEnvAsInt("WS_SEND_BUFFER", c.SendBuffer)

	c.Tracing.Exporter = getEnv("TRACING_EXPORTER", c.Tracing.Exporter)
	c.Tracing.Output = getEnv("TRACING_OUTPUT", c.Tracing.Output)
	c.Tracing.SampleRatio = getEnvAsFloat("TRACING_SAMPLE_RATIO", c.Tracing.SampleRatio)
}

func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.Database.Driver == "" {
		c.Database.Driver = defaults.Database.Driver
	}
	c.Database.Driver = strings.ToLower(c.Database.Driver)
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = defaults.Database.Path
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	c.Tracing.Exporter = strings.ToLower(c.Tracing.Exporter)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs criterio.FieldErrorsBuilder

	if c.Port < 1 || c.Port > 65535 {
		errs = errs.Append("port", fmt.Errorf("must be between 1 and 65535, got %d", c.Port))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = errs.Append("log_level", err)
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = errs.Append("database.path", fmt.Errorf("is required for sqlite"))
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = errs.Append("database.url", fmt.Errorf("is required for postgres"))
		}
	default:
		errs = errs.Append("database.driver", fmt.Errorf("must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver))
	}

	if c.JWTSecret == "" {
		errs = errs.Append("jwt_secret", fmt.Errorf("is required (JWT_SECRET)"))
	}
	if c.AccessTokenMinutes <= 0 {
		errs = errs.Append("access_token_minutes", fmt.Errorf("must be positive"))
	}
	if c.BcryptCost != 0 && (c.BcryptCost < 4 || c.BcryptCost > 31) {
		errs = errs.Append("bcrypt_cost", fmt.Errorf("must be between 4 and 31"))
	}
	if c.MaxMessageLength <= 0 {
		errs = errs.Append("max_message_length", fmt.Errorf("must be positive"))
	}
	if c.SendBuffer <= 0 {
		errs = errs.Append("send_buffer", fmt.Errorf("must be positive"))
	}

	switch c.Tracing.Exporter {
	case TraceExporterNone, TraceExporterStdout:
	default:
		errs = errs.Append("tracing.exporter", fmt.Errorf("must be %q or %q, got %q", TraceExporterNone, TraceExporterStdout, c.Tracing.Exporter))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = errs.Append("tracing.sample_ratio", fmt.Errorf("must be between 0 and 1"))
	}

	return errs.ToError()
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN returns the driver-specific data source name.
func (c *Config) DSN() string {
	if c.Database.Driver == DriverPostgres {
		return c.Database.URL
	}
	return c.Database.Path
}

func postgresURLFromEnv() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(getEnv("POSTGRES_USER", "postgres"), getEnv("POSTGRES_PASSWORD", "postgres")),
		Host:     fmt.Sprintf("%s:%s", getEnv("POSTGRES_HOST", "localhost"), getEnv("POSTGRES_PORT", "5432")),
		Path:     getEnv("POSTGRES_DB", "dmchat"),
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvAsFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
