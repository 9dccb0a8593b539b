package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Session  SessionConfig
	CSRF     CSRFConfig
	Auth     AuthConfig
}

// AppConfig holds application-wide settings
type AppConfig struct {
	Name          string
	Env           string `validate:"oneof=development production testing"`
	Debug         bool
	BasePath      string
	DefaultLocale string `validate:"oneof=en ar"`
	CORSOrigins   []string
	StaticDir     string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string `validate:"required,numeric"`
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32 `validate:"gte=1"`
}

// RedisConfig holds Redis connection configuration.
// URL takes precedence over Addr when set.
type RedisConfig struct {
	URL      string
	Addr     string
	Password string
	DB       int `validate:"gte=0"`
}

// SessionConfig holds session cookie and persistence settings
type SessionConfig struct {
	Driver             string `validate:"oneof=redis postgres memory"`
	CookieName         string `validate:"required"`
	Timeout            time.Duration `validate:"gt=0"`
	IdleTimeout        time.Duration `validate:"gte=0"`
	RegenerateInterval time.Duration `validate:"gt=0"`
	Secure             bool
	HashKey            string
	SweepInterval      time.Duration
}

// CSRFConfig holds CSRF token settings
type CSRFConfig struct {
	TTL       time.Duration `validate:"gt=0"`
	MaxTokens int           `validate:"gte=1"`
}

// AuthConfig holds login and remember-me settings
type AuthConfig struct {
	MaxAttempts   int           `validate:"gte=1"`
	LockoutWindow time.Duration `validate:"gt=0"`
	RememberDays  int           `validate:"gte=1"`
	BcryptCost    int           `validate:"gte=10,lte=31"`
	LoginRate     int           `validate:"gte=0"`
}

// Load reads configuration from .env files and environment variables.
// Values already present in the environment are never overridden by .env files.
func Load() (*Config, error) {
	loadDotEnv()

	cfg := &Config{
		App: AppConfig{
			Name:          getEnv("APP_NAME", "Spare Parts Management System"),
			Env:           getEnv("APP_ENV", "development"),
			Debug:         getBoolEnv("APP_DEBUG", false),
			BasePath:      strings.TrimRight(getEnv("APP_BASE_PATH", ""), "/"),
			DefaultLocale: getEnv("APP_LOCALE", "en"),
			CORSOrigins:   getListEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:8080"}),
			StaticDir:     getEnv("APP_STATIC_DIR", "public"),
		},
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     getSecondsEnv("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getSecondsEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getSecondsEnv("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "spare_parts"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getIntEnv("DB_MAX_CONNS", 20)),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Session: SessionConfig{
			Driver:             getEnv("SESSION_DRIVER", "redis"),
			CookieName:         getEnv("SESSION_COOKIE", "SPMS_SESSION"),
			Timeout:            getSecondsEnv("SESSION_TIMEOUT", time.Hour),
			IdleTimeout:        getSecondsEnv("SESSION_IDLE_TIMEOUT", 0),
			RegenerateInterval: getSecondsEnv("SESSION_REGENERATE_INTERVAL", 5*time.Minute),
			Secure:             getBoolEnv("SESSION_SECURE", false),
			HashKey:            getEnv("SESSION_HASH_KEY", ""),
			SweepInterval:      getSecondsEnv("SESSION_SWEEP_INTERVAL", 15*time.Minute),
		},
		CSRF: CSRFConfig{
			TTL:       getSecondsEnv("CSRF_TTL", time.Hour),
			MaxTokens: getIntEnv("CSRF_MAX_TOKENS", 10),
		},
		Auth: AuthConfig{
			MaxAttempts:   getIntEnv("AUTH_MAX_ATTEMPTS", 5),
			LockoutWindow: getSecondsEnv("AUTH_LOCKOUT_WINDOW", 15*time.Minute),
			RememberDays:  getIntEnv("AUTH_REMEMBER_DAYS", 30),
			BcryptCost:    getIntEnv("AUTH_BCRYPT_COST", 12),
			LoginRate:     getIntEnv("AUTH_LOGIN_RATE", 20),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and production-only requirements
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid configuration: %s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.App.Env == "production" {
		if c.App.Debug {
			return errors.New("APP_DEBUG must be disabled in production")
		}
		if len(c.Session.HashKey) < 32 {
			return errors.New("SESSION_HASH_KEY must be at least 32 bytes in production")
		}
	}
	return nil
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// URL returns the PostgreSQL connection URL used by the migration tool
func (d *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// Addr returns the listen address
func (s *ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

var validate = validator.New()

// loadDotEnv loads .env.local and .env from the working directory or its parent.
func loadDotEnv() {
	for _, name := range []string{".env.local", ".env"} {
		for _, dir := range []string{".", ".."} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				_ = godotenv.Load(path)
				break
			}
		}
	}
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultValue
}

// getSecondsEnv returns a duration from an environment variable holding seconds,
// or a Go duration string such as "15m".
func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
