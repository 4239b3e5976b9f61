package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fieldmesh/iotaccess/pkg/observability"
	"github.com/fieldmesh/iotaccess/pkg/permissions"
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Auth          AuthConfig
	Permissions   PermissionsConfig
	Observability ObservabilityConfig
	Reconciler    ReconcilerConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig selects the driver and pool for the grant store
type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// AuthConfig holds bearer token settings
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
}

// PermissionsConfig holds resolution cache and bootstrap settings
type PermissionsConfig struct {
	CacheTTL             time.Duration
	CacheSize            int
	RedisURL             string
	RevisionKey          string
	BootstrapAdminUserID int64
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// ReconcilerConfig holds the auto-add reconciler schedule
type ReconcilerConfig struct {
	Schedule string
	RunOnce  bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Auth:          loadAuthConfig(),
		Permissions:   loadPermissionsConfig(),
		Observability: loadObservabilityConfig(),
		Reconciler: ReconcilerConfig{
			Schedule: getEnv("IOTACCESS_RECONCILE_SCHEDULE", "@every 10m"),
			RunOnce:  getEnvBool("IOTACCESS_RECONCILE_ONCE", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadReconcilerConfig loads the subset the grant reconciler needs. Server
// and auth settings are neither read nor validated.
func LoadReconcilerConfig() (*Config, error) {
	cfg := &Config{
		Database:    loadDatabaseConfig(),
		Permissions: loadPermissionsConfig(),
		Reconciler: ReconcilerConfig{
			Schedule: getEnv("IOTACCESS_RECONCILE_SCHEDULE", "@every 10m"),
			RunOnce:  getEnvBool("IOTACCESS_RECONCILE_ONCE", false),
		},
	}
	if err := cfg.validateDatabase(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if cfg.Reconciler.Schedule == "" && !cfg.Reconciler.RunOnce {
		return nil, fmt.Errorf("configuration validation failed: reconcile schedule is required")
	}
	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("IOTACCESS_HOST", "0.0.0.0"),
		Port:            getEnv("IOTACCESS_PORT", "8080"),
		ReadTimeout:     getEnvDuration("IOTACCESS_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("IOTACCESS_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("IOTACCESS_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("IOTACCESS_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("IOTACCESS_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          strings.ToLower(getEnv("IOTACCESS_DB_DRIVER", DriverPostgres)),
		URL:             getEnv("IOTACCESS_DATABASE_URL", ""),
		MaxOpenConns:    getEnvInt("IOTACCESS_DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("IOTACCESS_DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("IOTACCESS_DB_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret: getEnv("IOTACCESS_JWT_SECRET", ""),
		Issuer:    getEnv("IOTACCESS_JWT_ISSUER", "iotaccess"),
		TokenTTL:  getEnvDuration("IOTACCESS_JWT_TTL", time.Hour),
	}
}

func loadPermissionsConfig() PermissionsConfig {
	defaults := permissions.DefaultConfig()
	return PermissionsConfig{
		CacheTTL:             getEnvDuration("IOTACCESS_PERMISSION_CACHE_TTL", defaults.CacheTTL),
		CacheSize:            getEnvInt("IOTACCESS_PERMISSION_CACHE_SIZE", defaults.CacheSize),
		RedisURL:             getEnv("IOTACCESS_REDIS_URL", ""),
		RevisionKey:          getEnv("IOTACCESS_REVISION_KEY", permissions.DefaultRevisionKey),
		BootstrapAdminUserID: getEnvInt64("IOTACCESS_BOOTSTRAP_ADMIN_USER_ID", 0),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("IOTACCESS_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("IOTACCESS_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("IOTACCESS_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("IOTACCESS_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("IOTACCESS_OTEL_SERVICE_NAME", "iotaccess"),
		OTelServiceVersion: getEnv("IOTACCESS_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("IOTACCESS_OTEL_INSECURE", true),
	}
}

// PermissionManagerConfig converts the permission settings for permissions.NewManager
func (c *Config) PermissionManagerConfig() permissions.Config {
	return permissions.Config{
		CacheTTL:             c.Permissions.CacheTTL,
		CacheSize:            c.Permissions.CacheSize,
		BootstrapAdminUserID: c.Permissions.BootstrapAdminUserID,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 bytes")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("JWT token TTL must be positive")
	}

	if c.Permissions.CacheTTL < 0 {
		return fmt.Errorf("permission cache TTL must not be negative")
	}
	if c.Permissions.CacheTTL > 0 && c.Permissions.CacheSize <= 0 {
		return fmt.Errorf("permission cache size must be positive when caching is enabled")
	}
	if c.Permissions.BootstrapAdminUserID < 0 {
		return fmt.Errorf("bootstrap admin user id must not be negative")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverPgx:
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or pgx)", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
