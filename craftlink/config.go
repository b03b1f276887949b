//nolint:lll // struct tags can't be split
package craftlink

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix       = "CRAFTLINK_ENV_PREFIX"
	DefaultEnvPrefix         = "CL"
	DefaultDatabaseType      = dbTypeSQLite
	DefaultDatabase          = "craftlink.sqlite3"
	DefaultLogLevel          = slog.LevelInfo
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultRecordSuccess     = false
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPITLSMinVersion  = tls.VersionTLS12
	defaultListenNetwork     = "tcp"

	DefaultAPICORSAllowCredentials = true
	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelWarn
	DefaultDiscordLogLevel         = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultRateLimiterLogLevel     = slog.LevelInfo

	// DefaultMaxConcurrent is the most requests the rate limiter
	// executes at once, across all routes
	DefaultMaxConcurrent = 10

	DefaultMaxRetries         = 3
	DefaultRequestTimeout     = 30 * time.Second
	DefaultRetrySlack         = 100 * time.Millisecond
	DefaultCleanupInterval    = 5 * time.Minute
	DefaultStatsInterval      = time.Minute
	DefaultQueueWarnThreshold = 50
	DefaultQueueTimeSamples   = 1000

	// DefaultGlobalRequestsPerSecond matches Discord's documented
	// global limit for bots
	DefaultGlobalRequestsPerSecond = 50.0
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.SetTagName("binding")
	return v
}

type Config struct {
	// Database connection string, or sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// RecordSuccess enables writing successful requests to the request
	// log. Retries and failures are always recorded.
	RecordSuccess bool `yaml:"record_success" mapstructure:"record_success" json:"record_success"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// ShutdownTimeout is the time to allow for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"gte=0"`

	RateLimiter *RateLimiterConfig `yaml:"rate_limiter" mapstructure:"rate_limiter" json:"rate_limiter" binding:"required"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `mapstructure:"-" json:"-" log:"[redacted]" binding:"-"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks the config against its struct tags.
func (c *Config) Validate() error {
	return structValidator.Struct(c)
}

// RateLimiterConfig configures the Discord API rate limiter.
type RateLimiterConfig struct {
	// MaxConcurrent is the maximum number of requests executing at once,
	// across all routes
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent" json:"max_concurrent" binding:"gte=0"`

	// DefaultMaxRetries is the number of rate limit retries allowed for
	// requests that don't set their own
	DefaultMaxRetries int `yaml:"default_max_retries" mapstructure:"default_max_retries" json:"default_max_retries" binding:"gte=0"`

	// DefaultTimeout bounds each execution attempt for requests that
	// don't set their own
	DefaultTimeout time.Duration `yaml:"default_timeout" mapstructure:"default_timeout" json:"default_timeout" binding:"gte=0"`

	// RetrySlack is added to every rate limit wait, so requests aren't
	// sent right at the reset boundary
	RetrySlack time.Duration `yaml:"retry_slack" mapstructure:"retry_slack" json:"retry_slack" binding:"gte=0"`

	// BucketGracePeriod is how long a bucket is kept past its reset time
	BucketGracePeriod time.Duration `yaml:"bucket_grace_period" mapstructure:"bucket_grace_period" json:"bucket_grace_period" binding:"gte=0"`

	// CleanupInterval is how often expired buckets are discarded
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval" json:"cleanup_interval" binding:"gte=0"`

	// StatsInterval is how often the queue depth is checked against
	// QueueWarnThreshold
	StatsInterval time.Duration `yaml:"stats_interval" mapstructure:"stats_interval" json:"stats_interval" binding:"gte=0"`

	// QueueWarnThreshold logs a warning when more requests than this are queued
	QueueWarnThreshold int `yaml:"queue_warn_threshold" mapstructure:"queue_warn_threshold" json:"queue_warn_threshold" binding:"gte=0"`

	// QueueTimeSamples is the number of recent queue times averaged in Stats
	QueueTimeSamples int `yaml:"queue_time_samples" mapstructure:"queue_time_samples" json:"queue_time_samples" binding:"gte=0"`

	// GlobalRequestsPerSecond smooths dispatch across all routes. 0=disabled
	GlobalRequestsPerSecond float64 `yaml:"global_requests_per_second" mapstructure:"global_requests_per_second" json:"global_requests_per_second" binding:"gte=0"`

	// EventBufferSize is the channel capacity for each event subscriber
	EventBufferSize int `yaml:"event_buffer_size" mapstructure:"event_buffer_size" json:"event_buffer_size" binding:"gte=0"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

func (c RateLimiterConfig) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DefaultRateLimiterConfig returns a RateLimiterConfig with all default
// settings populated.
func DefaultRateLimiterConfig() RateLimiterConfig {
	lvl := &slog.LevelVar{}
	lvl.Set(DefaultRateLimiterLogLevel)
	return RateLimiterConfig{
		MaxConcurrent:           DefaultMaxConcurrent,
		DefaultMaxRetries:       DefaultMaxRetries,
		DefaultTimeout:          DefaultRequestTimeout,
		RetrySlack:              DefaultRetrySlack,
		BucketGracePeriod:       DefaultBucketGracePeriod,
		CleanupInterval:         DefaultCleanupInterval,
		StatsInterval:           DefaultStatsInterval,
		QueueWarnThreshold:      DefaultQueueWarnThreshold,
		QueueTimeSamples:        DefaultQueueTimeSamples,
		GlobalRequestsPerSecond: DefaultGlobalRequestsPerSecond,
		EventBufferSize:         DefaultEventBufferSize,
		LogLevel:                lvl,
	}
}

// withDefaults returns a copy of c with unset values replaced by their
// defaults. GlobalRequestsPerSecond is left as-is, since 0 disables it.
func (c RateLimiterConfig) withDefaults() RateLimiterConfig {
	d := DefaultRateLimiterConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = d.DefaultMaxRetries
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.RetrySlack <= 0 {
		c.RetrySlack = d.RetrySlack
	}
	if c.BucketGracePeriod <= 0 {
		c.BucketGracePeriod = d.BucketGracePeriod
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = d.StatsInterval
	}
	if c.QueueWarnThreshold <= 0 {
		c.QueueWarnThreshold = d.QueueWarnThreshold
	}
	if c.QueueTimeSamples <= 0 {
		c.QueueTimeSamples = d.QueueTimeSamples
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = d.EventBufferSize
	}
	if c.LogLevel == nil {
		c.LogLevel = d.LogLevel
	}
	return c
}

// DiscordConfig configures the Discord REST session.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// MaxRestRetries is passed to discordgo, which retries on 502s
	MaxRestRetries int `yaml:"max_rest_retries" mapstructure:"max_rest_retries" json:"max_rest_retries" binding:"gte=0"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	// Enabled determines if the API server is started
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Token is the bearer token required for /api endpoints
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required_if=Enabled true"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	// Does not apply to the event stream.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Development enables pprof endpoints and permissive CORS
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key" binding:"required_with=Cert"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	limiterConfig := DefaultRateLimiterConfig()

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		RecordSuccess:         DefaultRecordSuccess,
		LogLevel:              mainLogLevel,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RateLimiter:           &limiterConfig,
		Discord: &DiscordConfig{
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
