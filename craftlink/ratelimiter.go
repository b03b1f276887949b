package craftlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// NoRetries disables retries when used as ExecuteRequest.MaxRetries.
const NoRetries = -1

// RouteState describes where a route is in the scheduling cycle.
type RouteState string

const (
	// RouteIdle has no request executing and no wake-up scheduled
	RouteIdle RouteState = "idle"

	// RouteDraining has a request executing
	RouteDraining RouteState = "draining"

	// RouteWaiting is blocked on a bucket, the global throttle or a
	// retry delay, with a wake-up scheduled
	RouteWaiting RouteState = "waiting"
)

// ExecuteRequest describes a unit of work submitted to RateLimiter.Execute.
type ExecuteRequest struct {
	// Route groups requests sharing rate limit behavior, ex:
	// "POST /channels/1234/messages"
	Route string

	// Priority defaults to PriorityNormal
	Priority Priority

	Operation Operation

	// MaxRetries is the number of rate limit retries allowed. Zero uses
	// the configured default, NoRetries disables retries.
	MaxRetries int

	// Timeout bounds each execution attempt. Zero uses the configured default.
	Timeout time.Duration

	Metadata map[string]any
}

// CallOption modifies an ExecuteRequest.
type CallOption func(*ExecuteRequest)

func WithPriority(p Priority) CallOption {
	return func(r *ExecuteRequest) {
		r.Priority = p
	}
}

func WithMaxRetries(n int) CallOption {
	return func(r *ExecuteRequest) {
		r.MaxRetries = n
	}
}

func WithTimeout(d time.Duration) CallOption {
	return func(r *ExecuteRequest) {
		r.Timeout = d
	}
}

// WithMetadata adds key/value pairs to the request metadata, which is
// included in log entries for the request.
func WithMetadata(kv map[string]any) CallOption {
	return func(r *ExecuteRequest) {
		if r.Metadata == nil {
			r.Metadata = make(map[string]any, len(kv))
		}
		maps.Copy(r.Metadata, kv)
	}
}

// Stats is a snapshot of RateLimiter state.
type Stats struct {
	TotalQueued           int              `json:"total_queued"`
	QueuedByRoute         map[string]int   `json:"queued_by_route"`
	QueuedByPriority      map[Priority]int `json:"queued_by_priority"`
	TotalProcessed        int64            `json:"total_processed"`
	TotalFailed           int64            `json:"total_failed"`
	RateLimitHits         int64            `json:"rate_limit_hits"`
	AverageQueueTime      time.Duration    `json:"-"`
	AverageQueueTimeMs    float64          `json:"average_queue_time_ms"`
	ActiveBuckets         int              `json:"active_buckets"`
	GlobalRateLimitActive bool             `json:"global_rate_limit_active"`
	RequestsInFlight      int              `json:"requests_in_flight"`
}

type routeWait struct {
	timer *time.Timer
	at    time.Time
}

// RateLimiter schedules operations against a rate limited API. Requests
// are queued per route in priority order, and each route executes at
// most one request at a time, gated by its bucket and the global
// throttle. At most RateLimiterConfig.MaxConcurrent requests execute at
// once across all routes.
//
// Requests failing with a rate limit error are re-queued and retried
// after the delay the API asked for. Any other error, including a
// timeout, is returned to the caller immediately.
type RateLimiter struct {
	config   RateLimiterConfig
	buckets  *BucketManager
	queues   *QueueManager
	events   *eventHub
	dispatch *rate.Limiter
	logger   *slog.Logger

	mu             sync.Mutex
	processing     map[string]bool
	waits          map[string]*routeWait
	inFlight       int
	totalProcessed int64
	totalFailed    int64
	rateLimitHits  int64
	queueTimes     []time.Duration
	closed         bool

	stop         chan struct{}
	bgWG         sync.WaitGroup
	shutdownOnce sync.Once
}

// NewRateLimiter creates a RateLimiter and starts its background bucket
// cleanup and queue depth checks, which run until Shutdown. Zero config
// values are replaced with defaults.
func NewRateLimiter(config *RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	cfg := DefaultRateLimiterConfig()
	if config != nil {
		cfg = config.withDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &RateLimiter{
		config:     cfg,
		logger:     logger,
		processing: map[string]bool{},
		waits:      map[string]*routeWait{},
		queueTimes: make([]time.Duration, 0, cfg.QueueTimeSamples),
		stop:       make(chan struct{}),
	}
	r.events = newEventHub(cfg.EventBufferSize, logger)
	r.buckets = NewBucketManager(cfg.BucketGracePeriod, logger.With(loggerNameKey, "buckets"))
	r.queues = NewQueueManager(r.events.publish)

	if cfg.GlobalRequestsPerSecond > 0 {
		r.dispatch = rate.NewLimiter(
			rate.Limit(cfg.GlobalRequestsPerSecond),
			max(1, int(cfg.GlobalRequestsPerSecond)),
		)
	}

	r.bgWG.Add(1)
	go r.background()

	logger.Debug("rate limiter started", "config", cfg)
	return r
}

// Execute queues the request and waits for it to complete, returning the
// operation's result or its final error. If ctx is canceled while the
// request is still queued, the request is abandoned and ctx.Err() is
// returned.
func (r *RateLimiter) Execute(ctx context.Context, er ExecuteRequest) (any, error) {
	if er.Route == "" {
		return nil, ErrInvalidRoute
	}
	if er.Operation == nil {
		return nil, ErrNoOperation
	}
	if !er.Priority.Valid() {
		return nil, fmt.Errorf("invalid priority: %d", int(er.Priority))
	}

	req := newQueuedRequest(ctx, er.Route, er.Priority, er.Operation)
	req.Metadata = er.Metadata
	switch {
	case er.MaxRetries < 0:
		req.MaxRetries = 0
	case er.MaxRetries == 0:
		req.MaxRetries = r.config.DefaultMaxRetries
	default:
		req.MaxRetries = er.MaxRetries
	}
	req.Timeout = er.Timeout
	if req.Timeout <= 0 {
		req.Timeout = r.config.DefaultTimeout
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrLimiterClosed
	}
	r.queues.Enqueue(req)
	// req can't be dequeued or retried until mu is released
	r.logger.Debug("queued request", "request", req)
	r.mu.Unlock()

	r.processQueue(er.Route)

	select {
	case res := <-req.result:
		return res.value, res.err
	case <-req.ctx.Done():
		req.settle(nil, req.ctx.Err())
		res := <-req.result
		return res.value, res.err
	}
}

// Do executes op through the rate limiter, returning its typed result.
func Do[T any](
	ctx context.Context,
	r *RateLimiter,
	route string,
	op func(ctx context.Context) (T, error),
	opts ...CallOption,
) (T, error) {
	var zero T
	req := ExecuteRequest{
		Route: route,
		Operation: func(ctx context.Context) (any, error) {
			v, err := op(ctx)
			return v, err
		},
	}
	for _, opt := range opts {
		opt(&req)
	}

	v, err := r.Execute(ctx, req)
	if err != nil || v == nil {
		return zero, err
	}
	rv, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result type %T", v)
	}
	return rv, nil
}

// processQueue starts the next request for route, if the route is idle,
// the in-flight ceiling hasn't been reached, and the route's bucket
// allows it. When the route is blocked, a wake-up is scheduled instead.
func (r *RateLimiter) processQueue(route string) {
	r.mu.Lock()
	req := r.nextLocked(route)
	r.mu.Unlock()

	if req != nil {
		go r.run(route, req)
	}
}

func (r *RateLimiter) nextLocked(route string) *QueuedRequest {
	if r.closed || r.processing[route] || r.inFlight >= r.config.MaxConcurrent {
		return nil
	}

	var head *QueuedRequest
	for {
		head = r.queues.Peek(route)
		if head == nil {
			return nil
		}
		if !head.abandoned() {
			break
		}
		r.queues.Dequeue(route)
		r.logger.Debug("dropped abandoned request", "request", head)
	}

	now := time.Now()
	if head.RetryAt.After(now) {
		r.wakeLocked(route, head.RetryAt.Sub(now))
		return nil
	}

	decision := r.buckets.CanRequest(route)
	if !decision.Allowed {
		wait := decision.WaitTime + r.config.RetrySlack
		r.logger.Debug(
			"route blocked by rate limit",
			"route", route,
			"reason", decision.Reason,
			"wait", wait,
		)
		r.wakeLocked(route, wait)
		return nil
	}

	if r.dispatch != nil {
		reservation := r.dispatch.ReserveN(now, 1)
		if delay := reservation.DelayFrom(now); delay > 0 {
			reservation.CancelAt(now)
			r.wakeLocked(route, delay)
			return nil
		}
	}

	r.processing[route] = true
	r.inFlight++
	if w, ok := r.waits[route]; ok {
		w.timer.Stop()
		delete(r.waits, route)
	}
	return r.queues.Dequeue(route)
}

// wakeLocked schedules processQueue(route) after d, unless an earlier
// wake-up is already scheduled.
func (r *RateLimiter) wakeLocked(route string, d time.Duration) {
	if r.closed {
		return
	}
	at := time.Now().Add(d)
	if w, ok := r.waits[route]; ok {
		if !w.at.After(at) {
			return
		}
		w.timer.Stop()
	}

	w := &routeWait{at: at}
	w.timer = time.AfterFunc(
		d, func() {
			r.mu.Lock()
			if r.waits[route] == w {
				delete(r.waits, route)
			}
			r.mu.Unlock()
			r.processQueue(route)
		},
	)
	r.waits[route] = w
}

// run executes req, then releases the route and its in-flight slot, and
// reschedules the route along with any routes that were waiting on the
// in-flight ceiling.
func (r *RateLimiter) run(route string, req *QueuedRequest) {
	defer func() {
		r.mu.Lock()
		delete(r.processing, route)
		r.inFlight--
		r.mu.Unlock()

		r.processQueue(route)
		for _, other := range r.queues.GetQueuedRoutes() {
			if other != route {
				r.processQueue(other)
			}
		}
	}()

	if req == nil {
		return
	}
	r.executeRequest(req)
}

// executeRequest races the operation against the request timeout.
func (r *RateLimiter) executeRequest(req *QueuedRequest) {
	start := time.Now()
	if req.ExecutedAt.IsZero() {
		req.ExecutedAt = start
	}

	opCtx, cancel := context.WithTimeout(req.ctx, req.Timeout)
	defer cancel()

	done := make(chan requestResult, 1)
	go func() {
		defer func() {
			if rc := recover(); rc != nil {
				done <- requestResult{err: fmt.Errorf("operation panicked: %v", rc)}
			}
		}()
		v, err := req.Operation(opCtx)
		done <- requestResult{value: v, err: err}
	}()

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	timeoutErr := &TimeoutError{
		RequestID: req.ID,
		Route:     req.Route,
		Timeout:   req.Timeout,
	}
	var res requestResult
	select {
	case res = <-done:
		// an operation that returns because its context hit the request
		// deadline timed out, whichever channel was ready first
		if res.err != nil && req.ctx.Err() == nil &&
			errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			res.err = timeoutErr
		}
	case <-timer.C:
		res.err = timeoutErr
	}
	executionTime := time.Since(start)

	if res.err != nil {
		r.handleRequestError(req, res.err, executionTime)
		return
	}

	queueTime := start.Sub(req.QueuedAt)
	r.mu.Lock()
	r.totalProcessed++
	r.recordQueueTimeLocked(queueTime)
	r.mu.Unlock()

	r.buckets.ConsumeRequest(req.Route)
	r.events.publish(
		Event{
			Type:          EventRequestSuccess,
			RequestID:     req.ID,
			Route:         req.Route,
			Priority:      req.Priority,
			QueueTime:     queueTime,
			ExecutionTime: executionTime,
		},
	)
	r.logger.Debug(
		"request completed",
		"request", req,
		"queue_time", queueTime,
		"execution_time", executionTime,
	)
	req.settle(res.value, nil)
}

// handleRequestError re-queues req after a rate limit error while it
// has retries left. Otherwise, the request fails with err.
func (r *RateLimiter) handleRequestError(req *QueuedRequest, err error, executionTime time.Duration) {
	if IsRateLimitError(err) {
		retryAfter, global := RateLimitDetails(err)

		r.mu.Lock()
		r.rateLimitHits++
		r.mu.Unlock()

		r.buckets.Handle429(req.Route, retryAfter, global)

		if req.Retries < req.MaxRetries && !req.abandoned() {
			req.Retries++
			delay := secondsToDuration(retryAfter) + r.config.RetrySlack
			req.RetryAt = time.Now().Add(delay)

			r.events.publish(
				Event{
					Type:       EventRequestRetry,
					RequestID:  req.ID,
					Route:      req.Route,
					Priority:   req.Priority,
					RetryAfter: retryAfter,
					Attempt:    req.Retries,
				},
			)
			r.logger.Warn(
				"rate limited, retrying request",
				"request", req,
				"retry_after", retryAfter,
				"global", global,
				"attempt", req.Retries,
			)

			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				req.settle(nil, ErrLimiterClosed)
				return
			}
			r.queues.Enqueue(req)
			r.wakeLocked(req.Route, delay)
			r.mu.Unlock()
			return
		}
	}

	r.mu.Lock()
	r.totalFailed++
	r.mu.Unlock()

	r.events.publish(
		Event{
			Type:          EventRequestFailed,
			RequestID:     req.ID,
			Route:         req.Route,
			Priority:      req.Priority,
			ExecutionTime: executionTime,
			Retries:       req.Retries,
			Err:           err,
		},
	)
	r.logger.Error(
		"request failed",
		"request", req,
		"execution_time", executionTime,
		tint.Err(err),
	)
	req.settle(nil, err)
}

// recordQueueTimeLocked keeps the most recent QueueTimeSamples queue times.
func (r *RateLimiter) recordQueueTimeLocked(d time.Duration) {
	r.queueTimes = append(r.queueTimes, d)
	if over := len(r.queueTimes) - r.config.QueueTimeSamples; over > 0 {
		r.queueTimes = slices.Delete(r.queueTimes, 0, over)
	}
}

func (r *RateLimiter) background() {
	defer r.bgWG.Done()

	cleanup := time.NewTicker(r.config.CleanupInterval)
	defer cleanup.Stop()
	stats := time.NewTicker(r.config.StatsInterval)
	defer stats.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-cleanup.C:
			r.buckets.Cleanup()
		case <-stats.C:
			r.checkQueueDepth()
		}
	}
}

func (r *RateLimiter) checkQueueDepth() {
	queued := r.queues.GetTotalQueueSize()
	if queued > r.config.QueueWarnThreshold {
		r.logger.Warn(
			"rate limiter queue is backing up",
			"queued", queued,
			"threshold", r.config.QueueWarnThreshold,
			"queued_routes", len(r.queues.GetQueuedRoutes()),
		)
	}
}

// UpdateBucketFromHeaders records rate limit headers observed in a
// response for route. Header names must be lower-cased.
func (r *RateLimiter) UpdateBucketFromHeaders(route string, headers map[string]string) {
	r.buckets.UpdateFromHeaders(route, headers)
}

// UpdateBucketFromHTTPHeaders is UpdateBucketFromHeaders for an http.Header.
func (r *RateLimiter) UpdateBucketFromHTTPHeaders(route string, h http.Header) {
	r.buckets.UpdateFromHTTPHeaders(route, h)
}

// Handle429 records a rate limit response seen outside of Execute.
func (r *RateLimiter) Handle429(route string, retryAfter float64, global bool) {
	r.buckets.Handle429(route, retryAfter, global)
}

// Buckets returns the limiter's BucketManager.
func (r *RateLimiter) Buckets() *BucketManager {
	return r.buckets
}

// Queues returns the limiter's QueueManager.
func (r *RateLimiter) Queues() *QueueManager {
	return r.queues
}

// ClearRoute rejects and removes every request queued for route.
func (r *RateLimiter) ClearRoute(route string) int {
	n := r.queues.ClearRoute(route)
	if n > 0 {
		r.logger.Warn("cleared route queue", "route", route, "removed", n)
	}
	return n
}

// ClearAll rejects and removes every queued request.
func (r *RateLimiter) ClearAll() int {
	n := r.queues.ClearAll()
	if n > 0 {
		r.logger.Warn("cleared all queues", "removed", n)
	}
	return n
}

// Subscribe returns a channel of lifecycle events and a function to
// stop the subscription. Slow subscribers miss events rather than
// blocking the limiter.
func (r *RateLimiter) Subscribe() (<-chan Event, func()) {
	return r.events.Subscribe()
}

// Observe calls fn, in order, for every lifecycle event until the
// returned function is called or the limiter shuts down.
func (r *RateLimiter) Observe(fn func(Event)) func() {
	return r.events.Observe(fn)
}

// RouteStates returns the scheduling state of every route that has
// queued work, a request executing, or a wake-up scheduled.
func (r *RateLimiter) RouteStates() map[string]RouteState {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := map[string]RouteState{}
	for _, route := range r.queues.GetQueuedRoutes() {
		states[route] = RouteIdle
	}
	for route := range r.waits {
		states[route] = RouteWaiting
	}
	for route := range r.processing {
		states[route] = RouteDraining
	}
	return states
}

// GetStats returns a snapshot of queue, bucket and request counters.
func (r *RateLimiter) GetStats() Stats {
	qs := r.queues.GetStats()
	stats := Stats{
		TotalQueued:           qs.TotalQueued,
		QueuedByRoute:         qs.QueuedByRoute,
		QueuedByPriority:      qs.QueuedByPriority,
		ActiveBuckets:         r.buckets.BucketCount(),
		GlobalRateLimitActive: r.buckets.IsGlobalRateLimitActive(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	stats.TotalProcessed = r.totalProcessed
	stats.TotalFailed = r.totalFailed
	stats.RateLimitHits = r.rateLimitHits
	stats.RequestsInFlight = r.inFlight
	if len(r.queueTimes) > 0 {
		var total time.Duration
		for _, d := range r.queueTimes {
			total += d
		}
		stats.AverageQueueTime = total / time.Duration(len(r.queueTimes))
		stats.AverageQueueTimeMs = float64(stats.AverageQueueTime) / float64(time.Millisecond)
	}
	return stats
}

// Shutdown stops the limiter. Queued requests are rejected with
// ErrLimiterClosed, scheduled wake-ups and background tasks are stopped,
// and event subscribers are detached. Requests already executing are
// not interrupted. Subsequent calls to Execute fail with ErrLimiterClosed.
func (r *RateLimiter) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(
		func() {
			r.mu.Lock()
			r.closed = true
			for route, w := range r.waits {
				w.timer.Stop()
				delete(r.waits, route)
			}
			inFlight := r.inFlight
			r.mu.Unlock()

			queued := r.queues.GetTotalQueueSize()
			if queued > 0 {
				r.logger.WarnContext(
					ctx,
					"shutting down with queued requests",
					"queued", queued,
					"in_flight", inFlight,
				)
			} else {
				r.logger.InfoContext(ctx, "shutting down", "in_flight", inFlight)
			}
			r.queues.clearAll(ErrLimiterClosed)
			close(r.stop)
			r.events.Close()
		},
	)

	done := make(chan struct{})
	go func() {
		r.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
