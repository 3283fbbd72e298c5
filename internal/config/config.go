package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const defaultSessionSecret = "change-me"

type Config struct {
	Port       string `env:"PORT" envDefault:"8080"`
	DBAdapter  string `env:"DB_ADAPTER" envDefault:"sqlite"`
	SQLiteFile string `env:"SQLITE_FILE" envDefault:"./data/gened.db"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	Env        string `env:"ENV"`

	// PublicURL is the externally visible origin, used to rebuild signed LTI
	// launch URLs behind a proxy.
	PublicURL string `env:"PUBLIC_URL"`

	// PostgreSQL connection settings
	PostgresDSN      string `env:"POSTGRES_DSN"`
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"gened"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"gened"`
	PostgresSSLMode  string `env:"POSTGRES_SSLMODE" envDefault:"disable"`

	// Sessions. With REDIS_ADDR unset, session records live in process memory.
	SessionSecret string        `env:"SESSION_SECRET" envDefault:"change-me"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"12h"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`

	// SessionSameSite is lax, strict or none. Empty picks none in production,
	// where the tool runs framed by the LMS, and lax otherwise.
	SessionSameSite string `env:"SESSION_SAMESITE"`

	// Upstream language model
	OpenAIAPIKey     string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIModelFast  string        `env:"OPENAI_MODEL_FAST" envDefault:"gpt-4o-mini"`
	OpenAIModelLarge string        `env:"OPENAI_MODEL_LARGE" envDefault:"gpt-4o"`
	UpstreamTimeout  time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"60s"`
	Temperature      float64       `env:"OPENAI_TEMPERATURE" envDefault:"0.25"`

	// LTIStarterTokens is the query balance granted to newly provisioned LTI users.
	LTIStarterTokens  int `env:"LTI_STARTER_TOKENS" envDefault:"10"`
	HelpRatePerMinute int `env:"HELP_RATE_PER_MINUTE" envDefault:"20"`
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// Production reports whether ENV names a production deployment.
func (c *Config) Production() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

func New() (*Config, error) {
	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	if c.Production() {
		if c.SessionSecret == "" || c.SessionSecret == defaultSessionSecret {
			return nil, errors.New("SESSION_SECRET must be set in production")
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}
	if c.LTIStarterTokens < 0 {
		return nil, fmt.Errorf("invalid LTI_STARTER_TOKENS: %d", c.LTIStarterTokens)
	}
	if c.UpstreamTimeout <= 0 {
		return nil, fmt.Errorf("invalid UPSTREAM_TIMEOUT: %s", c.UpstreamTimeout)
	}
	if c.SessionTTL <= 0 {
		return nil, fmt.Errorf("invalid SESSION_TTL: %s", c.SessionTTL)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return nil, fmt.Errorf("invalid OPENAI_TEMPERATURE: %v", c.Temperature)
	}

	c.LogLevel = strings.ToLower(c.LogLevel)
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid LOG_LEVEL: %s (supported: debug, info, warn, error)", c.LogLevel)
	}

	c.SessionSameSite = strings.ToLower(c.SessionSameSite)
	switch c.SessionSameSite {
	case "":
		c.SessionSameSite = "lax"
		if c.Production() {
			c.SessionSameSite = "none"
		}
	case "lax", "strict":
	case "none":
		if !c.Production() {
			return nil, errors.New("SESSION_SAMESITE=none needs secure cookies; set ENV=production behind TLS")
		}
	default:
		return nil, fmt.Errorf("invalid SESSION_SAMESITE: %s (supported: lax, strict, none)", c.SessionSameSite)
	}

	return c, nil
}
