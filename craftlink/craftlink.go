package craftlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// Version is the version of the application, set at build time. Ex:
	// -ldflags "-X github.com/arcward/craftlink/craftlink.Version=$$(date +'%Y%m%d')"
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// CraftLink is the bot backend: a Discord REST client whose requests are
// scheduled by a RateLimiter, an audit log of request outcomes, and an
// admin API.
type CraftLink struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	limiter  *RateLimiter
	discord  *Discord
	db       *gorm.DB
	ownsDB   bool
	notifier QueueNotifier
	recorder *RequestRecorder
	api      *API

	runMu sync.Mutex
}

// New validates config and creates the rate limiter, Discord client and
// (if enabled) API server. The database is opened by Run.
func New(config *Config) (*CraftLink, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	c := &CraftLink{config: config}
	c.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	c.logger = slog.New(c.logHandler)
	slog.SetDefault(c.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	c.limiter = NewRateLimiter(
		config.RateLimiter,
		componentLogger(defaultLogWriter, config.RateLimiter.LogLevel, "rate_limiter"),
	)

	var errs []error
	disc, err := NewDiscord(
		config.Discord,
		c.limiter,
		config.HTTPClient,
		componentLogger(defaultLogWriter, config.Discord.LogLevel, "discord"),
	)
	if err != nil {
		errs = append(errs, err)
	}
	c.discord = disc

	if config.API.Enabled {
		api, apiErr := newAPI(c, config.API)
		if apiErr != nil {
			errs = append(errs, apiErr)
		}
		c.api = api
	}

	if err = errors.Join(errs...); err != nil {
		_ = c.limiter.Shutdown(context.Background())
		return nil, err
	}
	return c, nil
}

// Limiter returns the rate limiter all Discord requests go through.
func (c *CraftLink) Limiter() *RateLimiter {
	return c.limiter
}

// Discord returns the rate limited Discord client.
func (c *CraftLink) Discord() *Discord {
	return c.discord
}

// DB returns the request log database, which is nil until Run opens it.
func (c *CraftLink) DB() *gorm.DB {
	return c.db
}

// Run opens the database and runs the request recorder, queue notifier
// and API server until ctx is canceled or one of them fails. It then
// shuts down, allowing up to Config.ShutdownTimeout.
func (c *CraftLink) Run(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	logger := c.logger
	ctx = WithLogger(ctx, logger)

	if c.db == nil {
		db, err := createDB(
			ctx,
			c.config.DatabaseType,
			c.config.Database,
			newLogHandler(defaultLogWriter, c.config.DatabaseLogLevel),
			c.config.DatabaseSlowThreshold,
		)
		if err != nil {
			logger.ErrorContext(ctx, "error creating database", tint.Err(err))
			return err
		}
		c.db = db
		c.ownsDB = true
	}

	notifier, err := newQueueNotifier(
		c.config.DatabaseType,
		c.config.Database,
		c.db,
		c.limiter,
		logger.With(loggerNameKey, "queue_notifier"),
	)
	if err != nil {
		return err
	}
	c.notifier = notifier
	c.recorder = NewRequestRecorder(
		c.db,
		c.limiter,
		c.config.RecordSuccess,
		logger.With(loggerNameKey, "request_recorder"),
	)

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", c.config))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			return c.recorder.Run(gctx)
		},
	)
	g.Go(
		func() error {
			if listenErr := c.notifier.Listen(gctx); listenErr != nil {
				logger.ErrorContext(gctx, "queue notifier stopped", tint.Err(listenErr))
			}
			return nil
		},
	)
	if c.api != nil {
		g.Go(
			func() error {
				serveErr := c.api.Serve(gctx)
				if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
					logger.ErrorContext(gctx, "error serving api HTTP", tint.Err(serveErr))
					return serveErr
				}
				return nil
			},
		)
	}
	g.Go(
		func() error {
			<-gctx.Done()
			return c.shutdown(context.WithoutCancel(ctx))
		},
	)

	return g.Wait()
}

func (c *CraftLink) shutdown(ctx context.Context) error {
	c.logger.WarnContext(ctx, "shutting down")
	ctx, cancel := context.WithTimeout(ctx, c.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if c.api != nil {
		if err := c.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down api: %w", err))
		}
	}
	if err := c.limiter.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("error shutting down rate limiter: %w", err))
	}
	if c.ownsDB && c.db != nil {
		if sqlDB, err := c.db.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				errs = append(errs, fmt.Errorf("error closing database: %w", closeErr))
			}
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		c.logger.ErrorContext(ctx, "shutdown finished with errors", tint.Err(err))
	} else {
		c.logger.InfoContext(ctx, "shutdown complete")
	}
	return err
}

// clearQueues clears route's queue, or every queue if route is empty,
// on this instance and any instance sharing the database.
func (c *CraftLink) clearQueues(ctx context.Context, route string) int {
	if c.notifier != nil {
		return c.notifier.ClearQueues(ctx, route)
	}
	if route == "" {
		return c.limiter.ClearAll()
	}
	return c.limiter.ClearRoute(route)
}
