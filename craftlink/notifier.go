package craftlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	postgresNotifyChannelClearQueues = "craftlink_clear_queues"
	recordSeparator                  = string(rune(30))
)

var notifierRetryInterval = 5 * time.Second

// QueueNotifier clears rate limiter queues on this instance and, when
// the database supports it, on every other instance sharing the database.
type QueueNotifier interface {
	// ClearQueues clears route's queue, or every queue if route is empty,
	// returning the number of requests removed locally.
	ClearQueues(ctx context.Context, route string) int

	// Listen applies clear requests from other instances until ctx is done.
	Listen(ctx context.Context) error

	ID() string
}

func newQueueNotifier(
	databaseType string,
	database string,
	db *gorm.DB,
	limiter *RateLimiter,
	logger *slog.Logger,
) (QueueNotifier, error) {
	id := uuid.NewString()
	switch databaseType {
	case dbTypeSQLite:
		return &localNotifier{id: id, limiter: limiter, logger: logger}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			localNotifier: localNotifier{id: id, limiter: limiter, logger: logger},
			db:            db,
			database:      database,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// localNotifier only clears this instance's queues.
type localNotifier struct {
	id      string
	limiter *RateLimiter
	logger  *slog.Logger
}

func (n *localNotifier) ID() string {
	return n.id
}

func (n *localNotifier) ClearQueues(_ context.Context, route string) int {
	if route == "" {
		return n.limiter.ClearAll()
	}
	return n.limiter.ClearRoute(route)
}

func (n *localNotifier) Listen(_ context.Context) error {
	n.logger.Debug("listener not supported for database type, skipping")
	return nil
}

// postgresNotifier broadcasts clear requests with NOTIFY and applies
// requests from other instances with LISTEN.
type postgresNotifier struct {
	localNotifier
	db       *gorm.DB
	database string
}

func (p *postgresNotifier) ClearQueues(ctx context.Context, route string) int {
	removed := p.localNotifier.ClearQueues(ctx, route)

	notifyErr := p.db.WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		postgresNotifyChannelClearQueues,
		newClearQueuesMessage(p.ID(), route),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY to clear queues",
			tint.Err(notifyErr),
			"route", route,
		)
	}
	return removed
}

func (p *postgresNotifier) Listen(ctx context.Context) error {
	config, err := pgxpool.ParseConfig(p.database)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+postgresNotifyChannelClearQueues); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger := p.logger.With("channel", postgresNotifyChannelClearQueues)
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(notifierRetryInterval):
			}
			continue
		}

		notifierID, route := parseClearQueuesMessage(notification.Payload)
		if notifierID == p.ID() {
			continue
		}
		removed := p.localNotifier.ClearQueues(ctx, route)
		logger.InfoContext(
			ctx,
			"cleared queues on request from another instance",
			"notifier_id", notifierID,
			"route", route,
			"removed", removed,
		)
	}
	return nil
}

func newClearQueuesMessage(notifierID string, route string) string {
	return strings.Join([]string{notifierID, route}, recordSeparator)
}

func parseClearQueuesMessage(s string) (notifierID, route string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}
