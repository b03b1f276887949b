package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/craftlink/craftlink"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = craftlink.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar.
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"rate_limiter.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "craftlink [flags]",
	Short: "Rate limited Discord REST client and admin API for a Minecraft community bot",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(decodeHook()),
			func(c *mapstructure.DecoderConfig) {
				// replace slices rather than merging into the defaults
				c.ZeroFields = true
			},
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(" "),
		LevelToStringHookFunc(),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO, WARN, ERROR)
// into *slog.LevelVar fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		// mapstructure dereferences non-nil struct pointers before
		// decoding, so a pre-set *slog.LevelVar arrives as slog.LevelVar.
		typ := t
		if typ.Kind() == reflect.Ptr {
			typ = typ.Elem()
		}
		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", craftlink.DefaultDatabase)
	viper.SetDefault("database_type", craftlink.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", craftlink.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", craftlink.DefaultDatabaseLogLevel.String())
	viper.SetDefault("record_success", craftlink.DefaultRecordSuccess)
	viper.SetDefault("log_level", craftlink.DefaultLogLevel.String())
	viper.SetDefault("shutdown_timeout", craftlink.DefaultShutdownTimeout)

	// Rate limiter config
	viper.SetDefault("rate_limiter.max_concurrent", craftlink.DefaultMaxConcurrent)
	viper.SetDefault("rate_limiter.default_max_retries", craftlink.DefaultMaxRetries)
	viper.SetDefault("rate_limiter.default_timeout", craftlink.DefaultRequestTimeout)
	viper.SetDefault("rate_limiter.retry_slack", craftlink.DefaultRetrySlack)
	viper.SetDefault("rate_limiter.bucket_grace_period", craftlink.DefaultBucketGracePeriod)
	viper.SetDefault("rate_limiter.cleanup_interval", craftlink.DefaultCleanupInterval)
	viper.SetDefault("rate_limiter.stats_interval", craftlink.DefaultStatsInterval)
	viper.SetDefault("rate_limiter.queue_warn_threshold", craftlink.DefaultQueueWarnThreshold)
	viper.SetDefault("rate_limiter.queue_time_samples", craftlink.DefaultQueueTimeSamples)
	viper.SetDefault(
		"rate_limiter.global_requests_per_second",
		craftlink.DefaultGlobalRequestsPerSecond,
	)
	viper.SetDefault("rate_limiter.event_buffer_size", craftlink.DefaultEventBufferSize)
	viper.SetDefault("rate_limiter.log_level", craftlink.DefaultRateLimiterLogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.max_rest_retries", 0)
	viper.SetDefault("discord.log_level", craftlink.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		craftlink.DefaultDiscordgoLogLevel.String(),
	)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", craftlink.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", craftlink.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", craftlink.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", craftlink.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", craftlink.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", craftlink.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.tls_min_version", craftlink.DefaultAPITLSMinVersion)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", craftlink.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", craftlink.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", craftlink.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", craftlink.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", craftlink.DefaultAPICORSAllowCredentials)

	envPrefix := os.Getenv(craftlink.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = craftlink.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Level names and space-separated lists are decoded by decodeHook
	// at unmarshal time. Values are left as strings in viper, so a second
	// initConfig doesn't read back stale overrides.
	for _, key := range logLevelKeys {
		if _, err := levelStringToLevelVar(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
