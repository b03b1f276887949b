package craftlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Execute(t *testing.T) {
	limiter := newTestLimiter(t, nil)
	events, unsubscribe := limiter.Subscribe()
	t.Cleanup(unsubscribe)

	v, err := limiter.Execute(
		context.Background(), ExecuteRequest{
			Route: testRoute,
			Operation: func(ctx context.Context) (any, error) {
				return "hello", nil
			},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	enqueued := waitForEvent(t, events, EventEnqueue)
	assert.Equal(t, PriorityNormal, enqueued.Priority)
	success := waitForEvent(t, events, EventRequestSuccess)
	assert.Equal(t, enqueued.RequestID, success.RequestID)
	assert.Equal(t, testRoute, success.Route)

	stats := limiter.GetStats()
	assert.Equal(t, int64(1), stats.TotalProcessed)
	assert.Equal(t, int64(0), stats.TotalFailed)
	assert.Equal(t, 0, stats.TotalQueued)
	require.Eventually(
		t, func() bool {
			return limiter.GetStats().RequestsInFlight == 0
		}, time.Second, 5*time.Millisecond,
	)
}

func TestRateLimiter_Do(t *testing.T) {
	limiter := newTestLimiter(t, nil)

	type message struct {
		ID string
	}
	msg, err := Do(
		context.Background(), limiter, testRoute,
		func(ctx context.Context) (*message, error) {
			return &message{ID: "1234"}, nil
		},
		WithPriority(PriorityHigh),
		WithMetadata(map[string]any{"channel_id": "123"}),
	)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "1234", msg.ID)

	n, err := Do(
		context.Background(), limiter, testRoute,
		func(ctx context.Context) (int, error) {
			return 0, errors.New("boom")
		},
	)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 0, n)
}

func TestRateLimiter_ExecuteValidation(t *testing.T) {
	limiter := newTestLimiter(t, nil)
	ctx := context.Background()

	_, err := limiter.Execute(ctx, ExecuteRequest{Operation: noopOperation})
	assert.ErrorIs(t, err, ErrInvalidRoute)

	_, err = limiter.Execute(ctx, ExecuteRequest{Route: testRoute})
	assert.ErrorIs(t, err, ErrNoOperation)

	_, err = limiter.Execute(
		ctx, ExecuteRequest{Route: testRoute, Priority: Priority(10), Operation: noopOperation},
	)
	assert.Error(t, err)
	assert.Equal(t, 0, limiter.Queues().GetTotalQueueSize())
}

func TestRateLimiter_ErrorNotRetried(t *testing.T) {
	limiter := newTestLimiter(t, nil)
	events, unsubscribe := limiter.Subscribe()
	t.Cleanup(unsubscribe)

	var calls atomic.Int32
	opErr := errors.New("unknown channel")
	_, err := limiter.Execute(
		context.Background(), ExecuteRequest{
			Route: testRoute,
			Operation: func(ctx context.Context) (any, error) {
				calls.Add(1)
				return nil, opErr
			},
		},
	)
	assert.ErrorIs(t, err, opErr)
	assert.Equal(t, int32(1), calls.Load())

	failed := waitForEvent(t, events, EventRequestFailed)
	assert.ErrorIs(t, failed.Err, opErr)
	assert.Equal(t, 0, failed.Retries)

	stats := limiter.GetStats()
	assert.Equal(t, int64(1), stats.TotalFailed)
	assert.Equal(t, int64(0), stats.RateLimitHits)
}

func TestRateLimiter_RetriesRateLimitError(t *testing.T) {
	limiter := newTestLimiter(t, nil)
	events, unsubscribe := limiter.Subscribe()
	t.Cleanup(unsubscribe)

	var calls atomic.Int32
	start := time.Now()
	v, err := limiter.Execute(
		context.Background(), ExecuteRequest{
			Route:      testRoute,
			MaxRetries: 3,
			Operation: func(ctx context.Context) (any, error) {
				if calls.Add(1) <= 2 {
					return nil, &RateLimitError{Route: testRoute, RetryAfter: 0.05}
				}
				return "sent", nil
			},
		},
	)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, "sent", v)
	assert.Equal(t, int32(3), calls.Load())
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond, "each retry waits retry_after")

	enqueued := waitForEvent(t, events, EventEnqueue)
	first := waitForEvent(t, events, EventRequestRetry)
	second := waitForEvent(t, events, EventRequestRetry)
	success := waitForEvent(t, events, EventRequestSuccess)

	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, 0.05, first.RetryAfter)
	for _, e := range []Event{first, second, success} {
		assert.Equal(t, enqueued.RequestID, e.RequestID, "retries keep the request ID")
	}

	stats := limiter.GetStats()
	assert.Equal(t, int64(2), stats.RateLimitHits)
	assert.Equal(t, int64(1), stats.TotalProcessed)
	assert.Equal(t, int64(0), stats.TotalFailed)
}

func TestRateLimiter_RetriesExhausted(t *testing.T) {
	limiter := newTestLimiter(t, nil)
	events, unsubscribe := limiter.Subscribe()
	t.Cleanup(unsubscribe)

	var calls atomic.Int32
	_, err := limiter.Execute(
		context.Background(), ExecuteRequest{
			Route:      testRoute,
			MaxRetries: 1,
			Operation: func(ctx context.Context) (any, error) {
				calls.Add(1)
				return nil, &RateLimitError{Route: testRoute, RetryAfter: 0.01}
			},
		},
	)
	require.Error(t, err)
	assert.True(t, IsRateLimitError(err))
	assert.Equal(t, int32(2), calls.Load())

	failed := waitForEvent(t, events, EventRequestFailed)
	assert.Equal(t, 1, failed.Retries)
	assert.Equal(t, int64(2), limiter.GetStats().RateLimitHits)
}

func TestRateLimiter_NoRetries(t *testing.T) {
	limiter := newTestLimiter(t, nil)

	var calls atomic.Int32
	_, err := limiter.Execute(
		context.Background(), ExecuteRequest{
			Route:      testRoute,
			MaxRetries: NoRetries,
			Operation: func(ctx context.Context) (any, error) {
				calls.Add(1)
				return nil, &RateLimitError{Route: testRoute, RetryAfter: 0.01}
			},
		},
	)
	assert.True(t, IsRateLimitError(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRateLimiter_DefaultMaxRetries(t *testing.T) {
	limiter := newTestLimiter(t, &RateLimiterConfig{DefaultMaxRetries: 2})

	var calls atomic.Int32
	_, err := limiter.Execute(
		context.Background(), ExecuteRequest{
			Route: testRoute,
			Operation: func(ctx context.Context) (any, error) {
				calls.Add(1)
				return nil, &RateLimitError{Route: testRoute, RetryAfter: 0.01}
			},
		},
	)
	assert.True(t, IsRateLimitError(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRateLimiter_Timeout(t *testing.T) {
	limiter := newTestLimiter(t, nil)

	var calls atomic.Int32
	opCanceled := make(chan struct{})
	_, err := limiter.Execute(
		context.Background(), ExecuteRequest{
			Route:      testRoute,
			Timeout:    50 * time.Millisecond,
			MaxRetries: 3,
			Operation: func(ctx context.Context) (any, error) {
				calls.Add(1)
				<-ctx.Done()
				close(opCanceled)
				return nil, ctx.Err()
			},
		},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestTimeout)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, testRoute, timeoutErr.Route)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)

	select {
	case <-opCanceled:
	case <-time.After(time.Second):
		t.Fatal("operation context should be canceled on timeout")
	}
	assert.Equal(t, int32(1), calls.Load(), "timeouts aren't retried")
	assert.Equal(t, int64(1), limiter.GetStats().TotalFailed)
}

func TestRateLimiter_OperationPanics(t *testing.T) {
	limiter := newTestLimiter(t, nil)

	_, err := limiter.Execute(
		context.Background(), ExecuteRequest{
			Route: testRoute,
			Operation: func(ctx context.Context) (any, error) {
				panic("oops")
			},
		},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation panicked: oops")

	// the route is released after a panic
	v, err := limiter.Execute(
		context.Background(), ExecuteRequest{
			Route: testRoute,
			Operation: func(ctx context.Context) (any, error) {
				return 1, nil
			},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestRateLimiter_WaitsForBucketReset(t *testing.T) {
	limiter := newTestLimiter(t, nil)
	blockRoute(t, limiter, testRoute, 0.2)

	start := time.Now()
	_, err := limiter.Execute(
		context.Background(), ExecuteRequest{Route: testRoute, Operation: noopOperation},
	)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestRateLimiter_RoutesAreIndependent(t *testing.T) {
	limiter := newTestLimiter(t, nil)
	blockRoute(t, limiter, testRoute, 10)

	blocked := make(chan error, 1)
	go func() {
		_, err := limiter.Execute(
			context.Background(),
			ExecuteRequest{Route: testRoute, Operation: noopOperation},
		)
		blocked <- err
	}()
	require.Eventually(
		t, func() bool {
			return limiter.RouteStates()[testRoute] == RouteWaiting
		}, time.Second, 5*time.Millisecond,
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := limiter.Execute(
		ctx, ExecuteRequest{
			Route: "GET /gateway",
			Operation: func(ctx context.Context) (any, error) {
				return "ok", nil
			},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 1, limiter.Queues().GetQueueSize(testRoute))

	require.NoError(t, limiter.Shutdown(context.Background()))
	assert.ErrorIs(t, <-blocked, ErrLimiterClosed)
}

func TestRateLimiter_GlobalRateLimit(t *testing.T) {
	limiter := newTestLimiter(t, nil)
	limiter.Handle429("GET /gateway", 0.2, true)
	assert.True(t, limiter.GetStats().GlobalRateLimitActive)

	start := time.Now()
	_, err := limiter.Execute(
		context.Background(), ExecuteRequest{Route: testRoute, Operation: noopOperation},
	)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.False(t, limiter.GetStats().GlobalRateLimitActive)
}

// TestRateLimiter_PriorityOrder verifies that once a route is free,
// queued requests run highest priority first.
func TestRateLimiter_PriorityOrder(t *testing.T) {
	limiter := newTestLimiter(t, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	var order []Priority

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := limiter.Execute(
			context.Background(), ExecuteRequest{
				Route: testRoute,
				Operation: func(ctx context.Context) (any, error) {
					close(started)
					<-release
					return nil, nil
				},
			},
		)
		assert.NoError(t, err)
	}()
	<-started

	priorities := []Priority{PriorityLow, PriorityBulk, PriorityCritical, PriorityNormal, PriorityHigh}
	for _, p := range priorities {
		wg.Add(1)
		go func(p Priority) {
			defer wg.Done()
			_, err := limiter.Execute(
				context.Background(), ExecuteRequest{
					Route:    testRoute,
					Priority: p,
					Operation: func(ctx context.Context) (any, error) {
						mu.Lock()
						defer mu.Unlock()
						order = append(order, p)
						return nil, nil
					},
				},
			)
			assert.NoError(t, err)
		}(p)
	}

	require.Eventually(
		t, func() bool {
			return limiter.Queues().GetQueueSize(testRoute) == len(priorities)
		}, time.Second, 5*time.Millisecond,
	)
	assert.Equal(t, RouteDraining, limiter.RouteStates()[testRoute])

	close(release)
	wg.Wait()

	assert.Equal(t, Priorities, order)
}

func TestRateLimiter_MaxConcurrent(t *testing.T) {
	limiter := newTestLimiter(t, &RateLimiterConfig{MaxConcurrent: 2})

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := limiter.Execute(
				context.Background(), ExecuteRequest{
					Route: fmt.Sprintf("POST /channels/%d/messages", i),
					Operation: func(ctx context.Context) (any, error) {
						n := running.Add(1)
						for {
							p := peak.Load()
							if n <= p || peak.CompareAndSwap(p, n) {
								break
							}
						}
						time.Sleep(30 * time.Millisecond)
						running.Add(-1)
						return nil, nil
					},
				},
			)
			assert.NoError(t, err)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("requests waiting on the concurrency limit were never started")
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int64(6), limiter.GetStats().TotalProcessed)
}

func TestRateLimiter_DispatchSmoothing(t *testing.T) {
	limiter := newTestLimiter(t, &RateLimiterConfig{GlobalRequestsPerSecond: 10})

	start := time.Now()
	for i := 0; i < 12; i++ {
		_, err := limiter.Execute(
			context.Background(), ExecuteRequest{
				Route:     fmt.Sprintf("GET /channels/%d", i),
				Operation: noopOperation,
			},
		)
		require.NoError(t, err)
	}
	// the first 10 use the burst, the rest wait for tokens
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestRateLimiter_ContextCanceledWhileQueued(t *testing.T) {
	limiter := newTestLimiter(t, nil)
	blockRoute(t, limiter, testRoute, 10)

	var calls atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := limiter.Execute(
		ctx, ExecuteRequest{
			Route: testRoute,
			Operation: func(ctx context.Context) (any, error) {
				calls.Add(1)
				return nil, nil
			},
		},
	)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRateLimiter_ClearRoute(t *testing.T) {
	limiter := newTestLimiter(t, nil)
	blockRoute(t, limiter, testRoute, 10)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := limiter.Execute(
				context.Background(),
				ExecuteRequest{Route: testRoute, Operation: noopOperation},
			)
			results <- err
		}()
	}
	require.Eventually(
		t, func() bool {
			return limiter.Queues().GetQueueSize(testRoute) == 2
		}, time.Second, 5*time.Millisecond,
	)

	assert.Equal(t, 2, limiter.ClearRoute(testRoute))
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-results, ErrQueueCleared)
	}
	assert.Equal(t, 0, limiter.ClearAll())
}

func TestRateLimiter_Shutdown(t *testing.T) {
	limiter := newTestLimiter(t, nil)
	blockRoute(t, limiter, testRoute, 10)
	events, _ := limiter.Subscribe()

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := limiter.Execute(
				context.Background(),
				ExecuteRequest{Route: testRoute, Operation: noopOperation},
			)
			results <- err
		}()
	}
	require.Eventually(
		t, func() bool {
			return limiter.Queues().GetQueueSize(testRoute) == 3
		}, time.Second, 5*time.Millisecond,
	)

	require.NoError(t, limiter.Shutdown(context.Background()))
	require.NoError(t, limiter.Shutdown(context.Background()))
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-results, ErrLimiterClosed)
	}
	assert.Empty(t, limiter.RouteStates())

	_, err := limiter.Execute(
		context.Background(), ExecuteRequest{Route: testRoute, Operation: noopOperation},
	)
	assert.ErrorIs(t, err, ErrLimiterClosed)

	// drain buffered events, then the channel is closed
	for range events {
	}
}

func TestRateLimiter_ShutdownDoesNotInterruptInFlight(t *testing.T) {
	limiter := newTestLimiter(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		_, err := limiter.Execute(
			context.Background(), ExecuteRequest{
				Route: testRoute,
				Operation: func(ctx context.Context) (any, error) {
					close(started)
					<-release
					return nil, nil
				},
			},
		)
		result <- err
	}()
	<-started

	require.NoError(t, limiter.Shutdown(context.Background()))
	close(release)
	assert.NoError(t, <-result)
}

func TestRateLimiter_ConsumesBucketOnSuccess(t *testing.T) {
	limiter := newTestLimiter(t, nil)
	limiter.UpdateBucketFromHeaders(
		testRoute, map[string]string{
			headerBucket:     "abcd1234",
			headerLimit:      "5",
			headerRemaining:  "5",
			headerResetAfter: "10",
		},
	)

	_, err := limiter.Execute(
		context.Background(), ExecuteRequest{Route: testRoute, Operation: noopOperation},
	)
	require.NoError(t, err)

	bucket, ok := limiter.Buckets().GetBucket(testRoute)
	require.True(t, ok)
	assert.Equal(t, 4, bucket.Remaining)
	assert.Equal(t, 1, limiter.GetStats().ActiveBuckets)
}

func TestRateLimiter_RouteRateLimitBlocksRetry(t *testing.T) {
	limiter := newTestLimiter(t, nil)
	limiter.UpdateBucketFromHeaders(
		testRoute, map[string]string{
			headerBucket:     "abcd1234",
			headerLimit:      "5",
			headerRemaining:  "5",
			headerResetAfter: "10",
		},
	)

	var calls atomic.Int32
	_, err := limiter.Execute(
		context.Background(), ExecuteRequest{
			Route: testRoute,
			Operation: func(ctx context.Context) (any, error) {
				if calls.Add(1) == 1 {
					return nil, &RateLimitError{Route: testRoute, RetryAfter: 0.1}
				}
				return nil, nil
			},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	// the 429 depleted the bucket, the success consumed nothing further
	bucket, _ := limiter.Buckets().GetBucket(testRoute)
	assert.Equal(t, 0, bucket.Remaining)
	assert.Equal(t, 0.1, bucket.ResetAfter)
}

func TestRateLimiter_AverageQueueTime(t *testing.T) {
	limiter := newTestLimiter(t, &RateLimiterConfig{QueueTimeSamples: 2})
	blockRoute(t, limiter, testRoute, 0.1)

	_, err := limiter.Execute(
		context.Background(), ExecuteRequest{Route: testRoute, Operation: noopOperation},
	)
	require.NoError(t, err)

	stats := limiter.GetStats()
	assert.GreaterOrEqual(t, stats.AverageQueueTime, 50*time.Millisecond)
	assert.InDelta(
		t,
		float64(stats.AverageQueueTime)/float64(time.Millisecond),
		stats.AverageQueueTimeMs,
		0.001,
	)

	for i := 0; i < 3; i++ {
		_, err = limiter.Execute(
			context.Background(), ExecuteRequest{Route: "GET /gateway", Operation: noopOperation},
		)
		require.NoError(t, err)
	}
	limiter.mu.Lock()
	assert.Len(t, limiter.queueTimes, 2)
	limiter.mu.Unlock()
}

func TestRateLimiter_Observe(t *testing.T) {
	limiter := newTestLimiter(t, nil)

	var mu sync.Mutex
	var seen []EventType
	stop := limiter.Observe(
		func(e Event) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, e.Type)
		},
	)
	t.Cleanup(stop)

	_, err := limiter.Execute(
		context.Background(), ExecuteRequest{Route: testRoute, Operation: noopOperation},
	)
	require.NoError(t, err)

	require.Eventually(
		t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == 3
		}, time.Second, 5*time.Millisecond,
	)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventEnqueue, EventDequeue, EventRequestSuccess}, seen)
}

func TestRateLimiterConfig_WithDefaults(t *testing.T) {
	cfg := RateLimiterConfig{}.withDefaults()
	defaults := DefaultRateLimiterConfig()

	assert.Equal(t, defaults.MaxConcurrent, cfg.MaxConcurrent)
	assert.Equal(t, defaults.DefaultMaxRetries, cfg.DefaultMaxRetries)
	assert.Equal(t, defaults.DefaultTimeout, cfg.DefaultTimeout)
	assert.Equal(t, defaults.RetrySlack, cfg.RetrySlack)
	assert.Equal(t, defaults.BucketGracePeriod, cfg.BucketGracePeriod)
	assert.Equal(t, defaults.CleanupInterval, cfg.CleanupInterval)
	assert.Equal(t, defaults.StatsInterval, cfg.StatsInterval)
	assert.Equal(t, defaults.QueueWarnThreshold, cfg.QueueWarnThreshold)
	assert.Equal(t, defaults.QueueTimeSamples, cfg.QueueTimeSamples)
	assert.Equal(t, defaults.EventBufferSize, cfg.EventBufferSize)
	assert.NotNil(t, cfg.LogLevel)
	assert.Equal(t, 0.0, cfg.GlobalRequestsPerSecond, "zero disables dispatch smoothing")
	assert.Equal(t, DefaultGlobalRequestsPerSecond, defaults.GlobalRequestsPerSecond)

	custom := RateLimiterConfig{MaxConcurrent: 3, RetrySlack: time.Second}.withDefaults()
	assert.Equal(t, 3, custom.MaxConcurrent)
	assert.Equal(t, time.Second, custom.RetrySlack)
}

func TestRateLimiter_QueuedLogSnapshot(t *testing.T) {
	buf := &syncBuffer{}
	logger := slog.New(
		slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	limiter := NewRateLimiter(&RateLimiterConfig{RetrySlack: time.Millisecond}, logger)
	t.Cleanup(
		func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = limiter.Shutdown(ctx)
		},
	)
	events, unsubscribe := limiter.Subscribe()
	t.Cleanup(unsubscribe)

	var calls atomic.Int32
	_, err := limiter.Execute(
		context.Background(), ExecuteRequest{
			Route: testRoute,
			Operation: func(ctx context.Context) (any, error) {
				if calls.Add(1) == 1 {
					return nil, &RateLimitError{Route: testRoute, RetryAfter: 0.01}
				}
				return nil, nil
			},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	enqueued := waitForEvent(t, events, EventEnqueue)

	type queuedRecord struct {
		Msg     string `json:"msg"`
		Request struct {
			ID      string `json:"id"`
			Route   string `json:"route"`
			Retries int    `json:"retries"`
		} `json:"request"`
	}
	var queued []queuedRecord
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec queuedRecord
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		if rec.Msg == "queued request" {
			queued = append(queued, rec)
		}
	}
	require.Len(t, queued, 1)
	assert.Equal(t, enqueued.RequestID, queued[0].Request.ID)
	assert.Equal(t, testRoute, queued[0].Request.Route)
	assert.Equal(t, 0, queued[0].Request.Retries)
}
