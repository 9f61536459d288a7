package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Webhook   WebhookConfig
	Sync      SyncConfig
	CRM       ConnectorConfig
	Finance   ConnectorConfig
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
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string `validate:"oneof=postgres sqlite"`
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	Path            string // sqlite file, ":memory:" for an ephemeral store
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings.
// When disabled, idempotency keys and leases fall back to in-process stores.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodySize       int64
	WebhookMaxPayload int64
	TrustedProxies    []string
	TriggerRateLimit  int // manual triggers per client per minute
}

// WebhookConfig holds the shared secrets used to verify inbound webhook signatures
type WebhookConfig struct {
	CRMSecret     string
	FinanceSecret string
}

// Secret returns the signing secret configured for a source system
func (w WebhookConfig) Secret(system string) string {
	switch strings.ToLower(system) {
	case "crm":
		return w.CRMSecret
	case "finance":
		return w.FinanceSecret
	default:
		return ""
	}
}

// SyncConfig holds the synchronization engine settings
type SyncConfig struct {
	GuardWindow    time.Duration
	LeaseTTL       time.Duration
	ConflictPolicy string `validate:"oneof=fixed_priority last_writer_wins"`
	MasterSystem   string `validate:"oneof=crm finance"`
	Workers        int    `validate:"min=1"`
	QueueSize      int    `validate:"min=1"`
	FetchInterval  time.Duration
	ClaimBatch     int `validate:"min=1"`
	MaxAttempts    int `validate:"min=1"`
	RetryBaseDelay time.Duration
	PollEnabled    bool
	PollInterval   time.Duration
	PollBatchSize  int `validate:"min=1"`
	PollLookback   time.Duration // initial watermark distance for a scope never polled
	StaleAfter     time.Duration // 0 disables the stale-mapping sweep
	DedupTTL       time.Duration
	StuckAfter     time.Duration
	JobRetention   time.Duration
}

// ConnectorConfig holds the connection settings of one external system
type ConnectorConfig struct {
	BaseURL       string
	Timeout       time.Duration
	MaxRetries    int
	ClientID      string
	ClientSecret  string
	Username      string
	Password      string
	TokenTTL      time.Duration
	DefaultRegion string
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	DBTraceEnabled    bool    // Enable database query tracing (otelgorm)
	DBMetricsEnabled  bool    // Enable query and pool metrics
	MetricsInterval   time.Duration
	LogsEnabled       bool   // Export zap logs over OTLP
	LogsMinLevel      string `validate:"omitempty,oneof=debug info warn error"`
	Profiling         ProfilingConfig
}

// ProfilingConfig holds Pyroscope continuous profiling settings
type ProfilingConfig struct {
	Enabled       bool
	ServerAddress string
	BasicAuthUser string
	BasicAuthPass string
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with SYNC_ prefix (e.g., SYNC_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	return fromViper(v)
}

// Watcher reloads configuration when the config file changes
type Watcher struct {
	v *viper.Viper
}

// NewWatcher reads the configuration once and returns it with a Watcher bound to the same source
func NewWatcher() (*Config, *Watcher, error) {
	v, err := newViper()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := fromViper(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, &Watcher{v: v}, nil
}

// Watch invokes fn with the reloaded configuration on every change of the
// config file. Returns false when no config file is in use.
func (w *Watcher) Watch(fn func(cfg *Config, err error)) bool {
	if w.v.ConfigFileUsed() == "" {
		return false
	}
	w.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(fromViper(w.v))
	})
	w.v.WatchConfig()
	return true
}

func newViper() (*viper.Viper, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
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
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:       v.GetDuration("http.read_timeout"),
			WriteTimeout:      v.GetDuration("http.write_timeout"),
			IdleTimeout:       v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:    v.GetInt("http.max_header_bytes"),
			MaxBodySize:       v.GetInt64("http.max_body_size"),
			WebhookMaxPayload: v.GetInt64("http.webhook_max_payload"),
			TrustedProxies:    v.GetStringSlice("http.trusted_proxies"),
			TriggerRateLimit:  v.GetInt("http.trigger_rate_limit"),
		},
		Webhook: WebhookConfig{
			CRMSecret:     v.GetString("webhook.crm_secret"),
			FinanceSecret: v.GetString("webhook.finance_secret"),
		},
		Sync: SyncConfig{
			GuardWindow:    v.GetDuration("sync.guard_window"),
			LeaseTTL:       v.GetDuration("sync.lease_ttl"),
			ConflictPolicy: v.GetString("sync.conflict_policy"),
			MasterSystem:   v.GetString("sync.master_system"),
			Workers:        v.GetInt("sync.workers"),
			QueueSize:      v.GetInt("sync.queue_size"),
			FetchInterval:  v.GetDuration("sync.fetch_interval"),
			ClaimBatch:     v.GetInt("sync.claim_batch"),
			MaxAttempts:    v.GetInt("sync.max_attempts"),
			RetryBaseDelay: v.GetDuration("sync.retry_base_delay"),
			PollEnabled:    v.GetBool("sync.poll_enabled"),
			PollInterval:   v.GetDuration("sync.poll_interval"),
			PollBatchSize:  v.GetInt("sync.poll_batch_size"),
			PollLookback:   v.GetDuration("sync.poll_lookback"),
			StaleAfter:     v.GetDuration("sync.stale_after"),
			DedupTTL:       v.GetDuration("sync.dedup_ttl"),
			StuckAfter:     v.GetDuration("sync.stuck_after"),
			JobRetention:   v.GetDuration("sync.job_retention"),
		},
		CRM:     connectorFromViper(v, "crm"),
		Finance: connectorFromViper(v, "finance"),
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBMetricsEnabled:  v.GetBool("telemetry.db_metrics_enabled"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
			LogsMinLevel:      v.GetString("telemetry.logs_min_level"),
			Profiling: ProfilingConfig{
				Enabled:       v.GetBool("telemetry.profiling.enabled"),
				ServerAddress: v.GetString("telemetry.profiling.server_address"),
				BasicAuthUser: v.GetString("telemetry.profiling.basic_auth_user"),
				BasicAuthPass: v.GetString("telemetry.profiling.basic_auth_pass"),
			},
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func connectorFromViper(v *viper.Viper, prefix string) ConnectorConfig {
	return ConnectorConfig{
		BaseURL:       v.GetString(prefix + ".base_url"),
		Timeout:       v.GetDuration(prefix + ".timeout"),
		MaxRetries:    v.GetInt(prefix + ".max_retries"),
		ClientID:      v.GetString(prefix + ".client_id"),
		ClientSecret:  v.GetString(prefix + ".client_secret"),
		Username:      v.GetString(prefix + ".username"),
		Password:      v.GetString(prefix + ".password"),
		TokenTTL:      v.GetDuration(prefix + ".token_ttl"),
		DefaultRegion: v.GetString(prefix + ".default_region"),
	}
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "syncbridge"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
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
		cfg.Database.DBName = "syncbridge"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "syncbridge.db"
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
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
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
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 10 << 20 // 10MB
	}
	if cfg.HTTP.TriggerRateLimit == 0 {
		cfg.HTTP.TriggerRateLimit = 60
	}
	if cfg.HTTP.WebhookMaxPayload == 0 {
		cfg.HTTP.WebhookMaxPayload = 1 << 20
	}
	applySyncDefaults(&cfg.Sync)
	applyConnectorDefaults(&cfg.CRM, "http://localhost:9001")
	applyConnectorDefaults(&cfg.Finance, "http://localhost:9002")
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "syncbridge"
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
	if cfg.Telemetry.LogsMinLevel == "" {
		cfg.Telemetry.LogsMinLevel = "info"
	}
}

func applySyncDefaults(s *SyncConfig) {
	if s.GuardWindow == 0 {
		s.GuardWindow = 10 * time.Second
	}
	if s.LeaseTTL == 0 {
		s.LeaseTTL = 30 * time.Second
	}
	if s.ConflictPolicy == "" {
		s.ConflictPolicy = "fixed_priority"
	}
	if s.MasterSystem == "" {
		s.MasterSystem = "finance"
	}
	if s.Workers == 0 {
		s.Workers = 5
	}
	if s.QueueSize == 0 {
		s.QueueSize = 100
	}
	if s.FetchInterval == 0 {
		s.FetchInterval = time.Second
	}
	if s.ClaimBatch == 0 {
		s.ClaimBatch = 20
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 3
	}
	if s.RetryBaseDelay == 0 {
		s.RetryBaseDelay = 2 * time.Second
	}
	if s.PollInterval == 0 {
		s.PollInterval = 5 * time.Minute
	}
	if s.PollBatchSize == 0 {
		s.PollBatchSize = 50
	}
	if s.PollLookback == 0 {
		s.PollLookback = 24 * time.Hour
	}
	if s.DedupTTL == 0 {
		s.DedupTTL = 24 * time.Hour
	}
	if s.StuckAfter == 0 {
		s.StuckAfter = 10 * time.Minute
	}
	if s.JobRetention == 0 {
		s.JobRetention = 168 * time.Hour
	}
}

func applyConnectorDefaults(c *ConnectorConfig, baseURL string) {
	if c.BaseURL == "" {
		c.BaseURL = baseURL
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = 5 * time.Minute
	}
	if c.DefaultRegion == "" {
		c.DefaultRegion = "DE"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

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
	if c.Sync.LeaseTTL <= c.Sync.GuardWindow/2 {
		return fmt.Errorf("sync.lease_ttl (%s) is too short for guard window %s", c.Sync.LeaseTTL, c.Sync.GuardWindow)
	}
	for name, conn := range map[string]ConnectorConfig{"crm": c.CRM, "finance": c.Finance} {
		if _, err := url.ParseRequestURI(conn.BaseURL); err != nil {
			return fmt.Errorf("%s.base_url is invalid: %w", name, err)
		}
	}

	if c.App.Env == "production" {
		if c.Webhook.CRMSecret == "" || c.Webhook.FinanceSecret == "" {
			return fmt.Errorf("webhook.crm_secret and webhook.finance_secret are required in production")
		}
		if c.Database.Driver == "postgres" {
			if c.Database.Password == "" {
				return fmt.Errorf("database.password is required in production")
			}
			if c.Database.SSLMode == "disable" {
				return fmt.Errorf("database.sslmode cannot be 'disable' in production")
			}
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}
	if c.Telemetry.Profiling.Enabled && c.Telemetry.Profiling.ServerAddress == "" {
		return fmt.Errorf("telemetry.profiling.server_address is required when profiling is enabled")
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
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
