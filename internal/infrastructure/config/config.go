package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Sync      SyncConfig
	HTTP      HTTPConfig
	Swagger   SwaggerConfig
	Telemetry TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console"`
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string `validate:"required"`
	Env  string `validate:"required"`
	Port string `validate:"required,numeric"`
}

// DatabaseConfig holds the remote document store connection settings
type DatabaseConfig struct {
	Driver          string `validate:"oneof=postgres sqlite"`
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	Path            string // sqlite file, used when Driver is sqlite
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
	ConnectRetries  int `validate:"gte=0"`
	ConnectBackoff  time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig selects and sizes the local cache store
type CacheConfig struct {
	Driver                string `validate:"oneof=sqlite memory redis"`
	Path                  string
	QuotaBytes            int `validate:"gte=0"`
	AllowInMemoryFallback bool
}

// SyncConfig holds reconciliation settings
type SyncConfig struct {
	ReadyAttempts      int           `validate:"gt=0"`
	ReadyInterval      time.Duration `validate:"gt=0"`
	SyntheticIDMaxAge  time.Duration `validate:"gt=0"`
	CreatedAtMaxAge    time.Duration `validate:"gt=0"`
	DerivedOrigins     []string
	EvictRemoteDeleted bool
	StrictConsistency  bool
	// LegacyTenantless keeps records without a tenant visible until
	// LegacyTenantlessUntil (RFC 3339, empty for no cutoff).
	LegacyTenantless      bool
	LegacyTenantlessUntil string
	// ChangeFeed is the live update transport: redis or local.
	ChangeFeed string `validate:"oneof=redis local"`
	// DefaultTenantID is the tenant the remote client resolves when callers
	// send none.
	DefaultTenantID string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodySize       int64
	SSEHeartbeat      time.Duration
	SSEMaxClients     int `validate:"gte=0"`
	CORSAllowOrigins  []string
	TrustedProxies    []string
	RequestTimeout    time.Duration
	// TenantMetricLabel adds tenant_id to the HTTP request counter.
	TenantMetricLabel bool
}

// SwaggerConfig holds Swagger documentation endpoint configuration
type SwaggerConfig struct {
	Enabled    bool     // Whether to enable Swagger endpoint
	AllowedIPs []string // IP whitelist (empty = allow all)
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	MetricsInterval   time.Duration
	LogsEnabled       bool // Ship zap logs to the collector as well
	DBTracing         bool // Trace remote store SQL through otelgorm
	DBSlowQuery       time.Duration

	// Pyroscope continuous profiling
	ProfilingEnabled  bool
	ProfilingAddress  string
	ProfilingUser     string
	ProfilingPassword string
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with FLEETSYNC_ prefix (e.g., FLEETSYNC_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fleetsync")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	return load(v)
}

// LoadFile loads configuration from an explicit TOML file plus environment.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("FLEETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Booleans that default to true cannot be detected as unset later.
	v.SetDefault("cache.allow_in_memory_fallback", true)
	v.SetDefault("sync.evict_remote_deleted", true)
	v.SetDefault("sync.legacy_tenantless", true)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			Path:            v.GetString("database.path"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
			ConnectRetries:  v.GetInt("database.connect_retries"),
			ConnectBackoff:  v.GetDuration("database.connect_backoff"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Cache: CacheConfig{
			Driver:                v.GetString("cache.driver"),
			Path:                  v.GetString("cache.path"),
			QuotaBytes:            v.GetInt("cache.quota_bytes"),
			AllowInMemoryFallback: v.GetBool("cache.allow_in_memory_fallback"),
		},
		Sync: SyncConfig{
			ReadyAttempts:         v.GetInt("sync.ready_attempts"),
			ReadyInterval:         v.GetDuration("sync.ready_interval"),
			SyntheticIDMaxAge:     v.GetDuration("sync.synthetic_id_max_age"),
			CreatedAtMaxAge:       v.GetDuration("sync.created_at_max_age"),
			DerivedOrigins:        v.GetStringSlice("sync.derived_origins"),
			EvictRemoteDeleted:    v.GetBool("sync.evict_remote_deleted"),
			StrictConsistency:     v.GetBool("sync.strict_consistency"),
			LegacyTenantless:      v.GetBool("sync.legacy_tenantless"),
			LegacyTenantlessUntil: v.GetString("sync.legacy_tenantless_until"),
			ChangeFeed:            v.GetString("sync.change_feed"),
			DefaultTenantID:       v.GetString("sync.default_tenant_id"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:       v.GetDuration("http.read_timeout"),
			WriteTimeout:      v.GetDuration("http.write_timeout"),
			IdleTimeout:       v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:    v.GetInt("http.max_header_bytes"),
			MaxBodySize:       v.GetInt64("http.max_body_size"),
			SSEHeartbeat:      v.GetDuration("http.sse_heartbeat"),
			SSEMaxClients:     v.GetInt("http.sse_max_clients"),
			CORSAllowOrigins:  v.GetStringSlice("http.cors_allow_origins"),
			TrustedProxies:    v.GetStringSlice("http.trusted_proxies"),
			RequestTimeout:    v.GetDuration("http.request_timeout"),
			TenantMetricLabel: v.GetBool("http.tenant_metric_label"),
		},
		Swagger: SwaggerConfig{
			Enabled:    v.GetBool("swagger.enabled"),
			AllowedIPs: v.GetStringSlice("swagger.allowed_ips"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
			DBTracing:         v.GetBool("telemetry.db_tracing"),
			DBSlowQuery:       v.GetDuration("telemetry.db_slow_query"),
			ProfilingEnabled:  v.GetBool("telemetry.profiling_enabled"),
			ProfilingAddress:  v.GetString("telemetry.profiling_address"),
			ProfilingUser:     v.GetString("telemetry.profiling_user"),
			ProfilingPassword: v.GetString("telemetry.profiling_password"),
		},
	}

	// Apply defaults for empty values
	applyDefaults(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "fleetsync"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "fleetsync"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "fleetsync-remote.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Database.ConnectRetries == 0 {
		cfg.Database.ConnectRetries = 5
	}
	if cfg.Database.ConnectBackoff == 0 {
		cfg.Database.ConnectBackoff = time.Second
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Cache.Driver == "" {
		cfg.Cache.Driver = "sqlite"
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "fleetsync-cache.db"
	}
	if cfg.Cache.QuotaBytes == 0 {
		cfg.Cache.QuotaBytes = 5 << 20 // 5MB, the browser storage budget per origin
	}
	if cfg.Sync.ReadyAttempts == 0 {
		cfg.Sync.ReadyAttempts = 10
	}
	if cfg.Sync.ReadyInterval == 0 {
		cfg.Sync.ReadyInterval = 300 * time.Millisecond
	}
	if cfg.Sync.SyntheticIDMaxAge == 0 {
		cfg.Sync.SyntheticIDMaxAge = 24 * time.Hour
	}
	if cfg.Sync.CreatedAtMaxAge == 0 {
		cfg.Sync.CreatedAtMaxAge = 7 * 24 * time.Hour
	}
	if len(cfg.Sync.DerivedOrigins) == 0 {
		cfg.Sync.DerivedOrigins = []string{"derived", "temp"}
	}
	if cfg.Sync.ChangeFeed == "" {
		cfg.Sync.ChangeFeed = "local"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	// SSE streams stay open, so no write timeout by default
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 10 << 20 // 10MB
	}
	if cfg.HTTP.SSEHeartbeat == 0 {
		cfg.HTTP.SSEHeartbeat = 30 * time.Second
	}
	if cfg.HTTP.SSEMaxClients == 0 {
		cfg.HTTP.SSEMaxClients = 1000
	}
	if cfg.HTTP.RequestTimeout == 0 {
		cfg.HTTP.RequestTimeout = 30 * time.Second
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317" // Default gRPC endpoint
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0 // 100% in development
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "fleetsync"
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 15 * time.Second
	}
	if cfg.Telemetry.DBSlowQuery == 0 {
		cfg.Telemetry.DBSlowQuery = 200 * time.Millisecond
	}
}

var structValidator = validator.New()

// validate performs validation on the configuration
func (c *Config) validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Validate connection pool settings
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if _, err := c.Sync.LegacyCutoff(); err != nil {
		return err
	}
	if c.Sync.SyntheticIDMaxAge > c.Sync.CreatedAtMaxAge {
		return fmt.Errorf("sync.synthetic_id_max_age (%s) cannot exceed sync.created_at_max_age (%s)",
			c.Sync.SyntheticIDMaxAge, c.Sync.CreatedAtMaxAge)
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if c.Database.Driver == "postgres" && c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.Driver == "postgres" && c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Sync.LegacyTenantless && c.Sync.LegacyTenantlessUntil == "" {
			return fmt.Errorf("sync.legacy_tenantless_until is required in production while sync.legacy_tenantless is on")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
		if c.Swagger.Enabled && len(c.Swagger.AllowedIPs) == 0 {
			return fmt.Errorf("swagger endpoint must be disabled or have IP restriction in production")
		}
	}

	// Validate telemetry configuration (all environments)
	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}
	if c.Telemetry.ProfilingEnabled && c.Telemetry.ProfilingAddress == "" {
		return fmt.Errorf("telemetry.profiling_address is required when profiling is enabled")
	}

	return nil
}

// LegacyCutoff parses LegacyTenantlessUntil. A zero time means no cutoff.
func (s SyncConfig) LegacyCutoff() (time.Time, error) {
	if s.LegacyTenantlessUntil == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s.LegacyTenantlessUntil)
	if err != nil {
		return time.Time{}, fmt.Errorf("sync.legacy_tenantless_until must be RFC 3339: %w", err)
	}
	return t, nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// IsDevelopment reports whether the app runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}
