package craftlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	defaultRequestLogLimit = 100
	maxRequestLogLimit     = 1000
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// RequestLog records the outcome of a rate limited request attempt:
// a success, a rate limit retry, or a terminal failure.
type RequestLog struct {
	ModelUintID
	RequestID       string    `gorm:"index" json:"request_id"`
	Route           string    `gorm:"index" json:"route"`
	Priority        Priority  `json:"priority"`
	Outcome         EventType `gorm:"index" json:"outcome"`
	Attempt         int       `json:"attempt,omitempty"`
	Retries         int       `json:"retries,omitempty"`
	QueueTimeMs     int64     `json:"queue_time_ms,omitempty"`
	ExecutionTimeMs int64     `json:"execution_time_ms,omitempty"`
	RetryAfterMs    int64     `json:"retry_after_ms,omitempty"`
	Error           string    `json:"error,omitempty"`
	ModelUnixTime
}

func newRequestLog(e Event) *RequestLog {
	rl := &RequestLog{
		RequestID:       e.RequestID,
		Route:           e.Route,
		Priority:        e.Priority,
		Outcome:         e.Type,
		Attempt:         e.Attempt,
		Retries:         e.Retries,
		QueueTimeMs:     e.QueueTime.Milliseconds(),
		ExecutionTimeMs: e.ExecutionTime.Milliseconds(),
		RetryAfterMs:    secondsToDuration(e.RetryAfter).Milliseconds(),
	}
	if e.Err != nil {
		rl.Error = e.Err.Error()
	}
	return rl
}

// CreateDB opens the database and migrates the schema, logging queries
// slower than DefaultDatabaseSlowThreshold.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	lvl := &slog.LevelVar{}
	lvl.Set(DefaultDatabaseLogLevel)
	return createDB(
		ctx,
		databaseType,
		database,
		newLogHandler(defaultLogWriter, lvl),
		DefaultDatabaseSlowThreshold,
	)
}

func createDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	dbLogger := slog.New(handler).With(loggerNameKey, "database")
	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)

	db, err := getDB(databaseType, database, newGORMLogger(handler, slowThreshold))
	if err != nil {
		return nil, err
	}

	if databaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return nil, err
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(&RequestLog{}); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type ('sqlite' or 'postgres').
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	return errors.Join(pragmaErrors...)
}

// RequestLogQuery filters ListRequestLogs.
type RequestLogQuery struct {
	Route     string    `form:"route" json:"route,omitempty"`
	RequestID string    `form:"request_id" json:"request_id,omitempty"`
	Outcome   EventType `form:"outcome" json:"outcome,omitempty" binding:"omitempty,oneof=request:success request:retry request:failed"`
	Limit     int       `form:"limit" json:"limit,omitempty" binding:"omitempty,min=1,max=1000"`
	Offset    int       `form:"offset" json:"offset,omitempty" binding:"omitempty,min=0"`
}

// ListRequestLogs returns request logs matching q, newest first.
func ListRequestLogs(ctx context.Context, db *gorm.DB, q RequestLogQuery) ([]RequestLog, error) {
	tx := db.WithContext(ctx).Model(&RequestLog{})
	if q.Route != "" {
		tx = tx.Where("route = ?", q.Route)
	}
	if q.RequestID != "" {
		tx = tx.Where("request_id = ?", q.RequestID)
	}
	if q.Outcome != "" {
		tx = tx.Where("outcome = ?", q.Outcome)
	}

	limit := q.Limit
	switch {
	case limit <= 0:
		limit = defaultRequestLogLimit
	case limit > maxRequestLogLimit:
		limit = maxRequestLogLimit
	}

	var logs []RequestLog
	err := tx.Order("id desc").Limit(limit).Offset(max(q.Offset, 0)).Find(&logs).Error
	return logs, err
}

// RequestRecorder writes rate limiter request outcomes to the database.
// Retries and failures are always recorded, successes only when enabled.
type RequestRecorder struct {
	db            *gorm.DB
	recordSuccess bool
	logger        *slog.Logger
	events        <-chan Event
	unsubscribe   func()
	written       atomic.Int64
}

// NewRequestRecorder subscribes to limiter events immediately, so no
// outcomes are missed before Run is called.
func NewRequestRecorder(
	db *gorm.DB,
	limiter *RateLimiter,
	recordSuccess bool,
	logger *slog.Logger,
) *RequestRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	events, unsubscribe := limiter.Subscribe()
	return &RequestRecorder{
		db:            db,
		recordSuccess: recordSuccess,
		logger:        logger,
		events:        events,
		unsubscribe:   unsubscribe,
	}
}

// Run records events until ctx is done or the limiter shuts down.
func (r *RequestRecorder) Run(ctx context.Context) error {
	defer r.unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-r.events:
			if !ok {
				return nil
			}
			if !r.shouldRecord(e) {
				continue
			}
			r.record(ctx, e)
		}
	}
}

// Written returns the number of request logs saved.
func (r *RequestRecorder) Written() int64 {
	return r.written.Load()
}

func (r *RequestRecorder) shouldRecord(e Event) bool {
	switch e.Type {
	case EventRequestRetry, EventRequestFailed:
		return true
	case EventRequestSuccess:
		return r.recordSuccess
	default:
		return false
	}
}

func (r *RequestRecorder) record(ctx context.Context, e Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dbOperationTimeout)
	defer cancel()

	rl := newRequestLog(e)
	if err := r.db.WithContext(ctx).Create(rl).Error; err != nil {
		r.logger.ErrorContext(ctx, "error saving request log", "event", e, tint.Err(err))
		return
	}
	r.written.Add(1)
}
