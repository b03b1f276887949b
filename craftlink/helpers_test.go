package craftlink

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// testLogger returns a logger that discards output, unless the test is
// run with -v, in which case it's written to stdout with the test name.
func testLogger(t testing.TB) *slog.Logger {
	t.Helper()
	var w io.Writer = io.Discard
	if testing.Verbose() {
		w = defaultLogWriter
	}
	lvl := &slog.LevelVar{}
	lvl.Set(slog.LevelDebug)
	return slog.New(newLogHandler(w, lvl)).With("test_name", t.Name())
}

// newTestLimiter returns a RateLimiter with a short retry slack and no
// dispatch smoothing, shut down when the test finishes.
func newTestLimiter(t testing.TB, config *RateLimiterConfig) *RateLimiter {
	t.Helper()
	if config == nil {
		config = &RateLimiterConfig{}
	}
	if config.RetrySlack == 0 {
		config.RetrySlack = time.Millisecond
	}
	limiter := NewRateLimiter(config, testLogger(t))
	t.Cleanup(
		func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = limiter.Shutdown(ctx)
		},
	)
	return limiter
}

// blockRoute depletes route's bucket for the given number of seconds.
func blockRoute(t testing.TB, limiter *RateLimiter, route string, seconds float64) {
	t.Helper()
	limiter.UpdateBucketFromHeaders(
		route, map[string]string{
			headerBucket:     "blocked-" + route,
			headerLimit:      "1",
			headerRemaining:  "0",
			headerResetAfter: strconv.FormatFloat(seconds, 'f', -1, 64),
		},
	)
	require.False(t, limiter.Buckets().CanRequest(route).Allowed)
}

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, "test.sqlite3")
	db, err := createDB(
		context.Background(),
		dbTypeSQLite,
		dbPath,
		testLogger(t).Handler(),
		DefaultDatabaseSlowThreshold,
	)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

// waitForEvent reads events until one of the given type arrives.
func waitForEvent(t testing.TB, events <-chan Event, eventType EventType) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-events:
			require.True(t, ok, "event channel closed waiting for %s", eventType)
			if e.Type == eventType {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLoggerCtx(t *testing.T) {
	ctx := context.Background()
	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	fallback := slog.Default()
	assert.Same(t, fallback, loggerFromContext(ctx, fallback))

	logger := testLogger(t)
	ctx = WithLogger(ctx, logger)
	ctxLogger, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, ctxLogger)
	assert.Same(t, logger, loggerFromContext(ctx, fallback))

	ctx = WithLogger(context.Background(), nil)
	ctxLogger, ok = ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, slog.Default(), ctxLogger)
}

func TestStructToSlogValue(t *testing.T) {
	type inner struct {
		Name string `json:"name"`
	}
	type sample struct {
		Secret   string            `json:"secret" log:"[redacted]"`
		Hidden   string            `json:"-"`
		Empty    string            `json:"empty"`
		Count    int               `json:"count,omitempty"`
		Inner    *inner            `json:"inner"`
		NilPtr   *inner            `json:"nil_ptr"`
		Level    *slog.LevelVar    `json:"level"`
		Priority Priority          `json:"priority"`
		Labels   map[string]string `json:"labels"`
		Untagged string
	}

	lvl := &slog.LevelVar{}
	lvl.Set(slog.LevelWarn)

	v := sample{
		Secret:   "hunter2",
		Hidden:   "nope",
		Count:    3,
		Inner:    &inner{Name: "steve"},
		Level:    lvl,
		Priority: PriorityHigh,
		Untagged: "visible",
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("test", "sample", structToSlogValue(v))

	var entry struct {
		Sample map[string]any `json:"sample"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	s := entry.Sample
	assert.Equal(t, "[redacted]", s["secret"])
	assert.NotContains(t, buf.String(), "hunter2")
	assert.NotContains(t, s, "Hidden")
	assert.NotContains(t, s, "empty")
	assert.NotContains(t, s, "nil_ptr")
	assert.NotContains(t, s, "labels")
	assert.Equal(t, float64(3), s["count"])
	assert.Equal(t, map[string]any{"name": "steve"}, s["inner"])
	assert.Equal(t, "LevelVar(WARN)", s["level"])
	assert.Equal(t, "high", s["priority"])
	assert.Equal(t, "visible", s["Untagged"])

	assert.Equal(t, slog.KindAny, structToSlogValue(nil).Kind())
	assert.Equal(t, "x", structToSlogValue("x").Any())
}

func TestConfigLogValueRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "discord-secret"
	cfg.API.Token = "api-secret"

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("starting", "config", cfg)

	out := buf.String()
	assert.NotContains(t, out, "discord-secret")
	assert.NotContains(t, out, "api-secret")
	assert.True(t, strings.Contains(out, `"token":"[redacted]"`), out)
	assert.Contains(t, out, `"max_concurrent":10`)
}
