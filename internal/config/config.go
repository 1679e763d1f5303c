package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Backend names accepted by CHRONICLE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Backend  string
	Database DatabaseConfig
	SQLite   SQLiteConfig
	Tenant   TenantConfig
	Server   ServerConfig
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// SQLiteConfig holds the embedded backend's settings.
type SQLiteConfig struct {
	Path     string
	PoolSize int
}

// TenantConfig binds the process to one tenant and one agent identity.
type TenantConfig struct {
	ID        uuid.UUID
	Name      string
	AgentName string
	ModelUsed string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	RateLimit    int
}

// Load reads configuration from environment variables. Defaults are safe
// for local development only; production deployments must set the tenant
// id and database credentials explicitly.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("CHRONICLE_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("CHRONICLE_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	sqlitePoolSize, err := getEnvInt("CHRONICLE_SQLITE_POOL_SIZE", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("CHRONICLE_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("CHRONICLE_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateLimit, err := getEnvInt("CHRONICLE_SERVER_RATE_LIMIT", 100)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	tenantID := uuid.Nil
	if raw := os.Getenv("CHRONICLE_TENANT_ID"); raw != "" {
		tenantID, err = uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("config.Load: parsing CHRONICLE_TENANT_ID=%q: %w", raw, err)
		}
	}

	cfg := &Config{
		Backend: getEnv("CHRONICLE_BACKEND", BackendPostgres),
		Database: DatabaseConfig{
			Host:     getEnv("CHRONICLE_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("CHRONICLE_DB_USER", "chronicle"),
			Password: getEnv("CHRONICLE_DB_PASSWORD", ""),
			DBName:   getEnv("CHRONICLE_DB_NAME", "chronicle_dev"),
			SSLMode:  getEnv("CHRONICLE_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		SQLite: SQLiteConfig{
			Path:     getEnv("CHRONICLE_SQLITE_PATH", "chronicle.db"),
			PoolSize: sqlitePoolSize,
		},
		Tenant: TenantConfig{
			ID:        tenantID,
			Name:      getEnv("CHRONICLE_TENANT_NAME", "default"),
			AgentName: getEnv("CHRONICLE_AGENT_NAME", ""),
			ModelUsed: getEnv("CHRONICLE_MODEL", ""),
		},
		Server: ServerConfig{
			Addr:         getEnv("CHRONICLE_SERVER_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  getEnvList("CHRONICLE_CORS_ORIGINS", []string{"http://localhost:5173"}),
			RateLimit:    rateLimit,
		},
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.Backend != BackendPostgres && c.Backend != BackendSQLite {
		return fmt.Errorf("CHRONICLE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendSQLite, c.Backend)
	}
	if c.Tenant.ID == uuid.Nil {
		return errors.New("CHRONICLE_TENANT_ID is required")
	}

	if c.Backend == BackendPostgres {
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("CHRONICLE_DB_PORT must be 1-65535, got %d", c.Database.Port)
		}
		if c.Database.MaxConns < 1 {
			return fmt.Errorf("CHRONICLE_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
		}
		if c.Database.SSLMode == "disable" {
			log.Warn().Msg("CHRONICLE_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
		}
	}
	if c.Backend == BackendSQLite && c.SQLite.Path == "" {
		return errors.New("CHRONICLE_SQLITE_PATH is required for the sqlite backend")
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("CHRONICLE_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("CHRONICLE_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RateLimit < 1 {
		return fmt.Errorf("CHRONICLE_SERVER_RATE_LIMIT must be >= 1, got %d", c.Server.RateLimit)
	}

	return nil
}

// DSN returns the PostgreSQL connection URL. URL form is required because
// the same string feeds both the pool and the migration runner.
func (c *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
