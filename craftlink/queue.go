package craftlink

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Operation is a unit of work executed by the rate limiter. The context
// is canceled when the request times out.
type Operation func(ctx context.Context) (any, error)

type requestResult struct {
	value any
	err   error
}

// QueuedRequest is a pending unit of work. It lives in exactly one
// route queue at a time, and may be re-enqueued (keeping its ID) after
// a rate limit error.
type QueuedRequest struct {
	ID         string
	Route      string
	Priority   Priority
	Operation  Operation
	Retries    int
	MaxRetries int
	Timeout    time.Duration
	QueuedAt   time.Time

	// ExecutedAt is set on the first execution attempt
	ExecutedAt time.Time

	// RetryAt is the earliest time the request may be attempted again,
	// set after a rate limit error
	RetryAt time.Time

	Metadata map[string]any

	ctx     context.Context
	result  chan requestResult
	settled atomic.Bool
}

func newQueuedRequest(ctx context.Context, route string, priority Priority, op Operation) *QueuedRequest {
	if ctx == nil {
		ctx = context.Background()
	}
	return &QueuedRequest{
		Route:     route,
		Priority:  priority,
		Operation: op,
		ctx:       ctx,
		result:    make(chan requestResult, 1),
	}
}

// settle delivers the request's result. Only the first call has any
// effect; it returns false for subsequent calls.
func (r *QueuedRequest) settle(value any, err error) bool {
	if !r.settled.CompareAndSwap(false, true) {
		return false
	}
	r.result <- requestResult{value: value, err: err}
	return true
}

// Settled reports whether the request has been resolved or rejected.
func (r *QueuedRequest) Settled() bool {
	return r.settled.Load()
}

// abandoned is true when nobody is waiting for the result anymore.
func (r *QueuedRequest) abandoned() bool {
	return r.settled.Load() || r.ctx.Err() != nil
}

func (r *QueuedRequest) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", r.ID),
		slog.String("route", r.Route),
		slog.String("priority", r.Priority.String()),
		slog.Int("retries", r.Retries),
		slog.Int("max_retries", r.MaxRetries),
	}
	if len(r.Metadata) > 0 {
		metaAttrs := make([]any, 0, len(r.Metadata)*2)
		for _, k := range slices.Sorted(maps.Keys(r.Metadata)) {
			metaAttrs = append(metaAttrs, k, r.Metadata[k])
		}
		attrs = append(attrs, slog.Group("metadata", metaAttrs...))
	}
	return slog.GroupValue(attrs...)
}

// QueueStats is a snapshot of QueueManager contents.
type QueueStats struct {
	TotalQueued      int              `json:"total_queued"`
	QueuedByRoute    map[string]int   `json:"queued_by_route"`
	QueuedByPriority map[Priority]int `json:"queued_by_priority"`
	ActiveRoutes     int              `json:"active_routes"`
}

// QueueManager holds one priority-ordered queue per route. Within a
// route, requests are ordered by priority (highest first), then by
// enqueue order.
type QueueManager struct {
	mu      sync.Mutex
	queues  map[string][]*QueuedRequest
	counter atomic.Uint64
	emit    func(Event)
	now     func() time.Time
}

// NewQueueManager returns an empty QueueManager. emit, if set, receives
// enqueue and dequeue events. It must not block.
func NewQueueManager(emit func(Event)) *QueueManager {
	if emit == nil {
		emit = func(Event) {}
	}
	return &QueueManager{
		queues: map[string][]*QueuedRequest{},
		emit:   emit,
		now:    time.Now,
	}
}

// Enqueue adds req to its route's queue and returns its ID. A request
// without an ID is assigned one; a re-enqueued request keeps its ID.
func (q *QueueManager) Enqueue(req *QueuedRequest) string {
	q.mu.Lock()
	now := q.now()
	if req.ID == "" {
		req.ID = fmt.Sprintf("req_%d_%d", q.counter.Add(1), now.UnixMilli())
	}
	req.QueuedAt = now

	queue := q.queues[req.Route]
	// insert after every request with the same or higher priority, which
	// keeps FIFO order among equal priorities
	idx, _ := slices.BinarySearchFunc(
		queue, req.Priority, func(e *QueuedRequest, p Priority) int {
			if e.Priority >= p {
				return -1
			}
			return 1
		},
	)
	queue = slices.Insert(queue, idx, req)
	q.queues[req.Route] = queue
	size := len(queue)
	q.mu.Unlock()

	q.emit(
		Event{
			Type:      EventEnqueue,
			RequestID: req.ID,
			Route:     req.Route,
			Priority:  req.Priority,
			QueueSize: size,
			Time:      now,
		},
	)
	return req.ID
}

// Dequeue removes and returns the head of route's queue, or nil if the
// queue is empty.
func (q *QueueManager) Dequeue(route string) *QueuedRequest {
	q.mu.Lock()
	queue := q.queues[route]
	if len(queue) == 0 {
		q.mu.Unlock()
		return nil
	}
	req := queue[0]
	queue[0] = nil
	queue = queue[1:]
	if len(queue) == 0 {
		delete(q.queues, route)
	} else {
		q.queues[route] = queue
	}
	size := len(queue)
	q.mu.Unlock()

	q.emit(
		Event{
			Type:      EventDequeue,
			RequestID: req.ID,
			Route:     req.Route,
			Priority:  req.Priority,
			QueueSize: size,
			Time:      q.now(),
		},
	)
	return req
}

// Peek returns the head of route's queue without removing it, or nil.
func (q *QueueManager) Peek(route string) *QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[route]
	if len(queue) == 0 {
		return nil
	}
	return queue[0]
}

func (q *QueueManager) GetQueueSize(route string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[route])
}

func (q *QueueManager) GetTotalQueueSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, queue := range q.queues {
		total += len(queue)
	}
	return total
}

// GetQueuedRoutes returns the routes with at least one queued request,
// sorted.
func (q *QueueManager) GetQueuedRoutes() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Sorted(maps.Keys(q.queues))
}

// ClearRoute evicts every request queued for route, rejecting each with
// ErrQueueCleared. It returns the number of requests removed.
func (q *QueueManager) ClearRoute(route string) int {
	return q.clearRoute(route, ErrQueueCleared)
}

// ClearAll evicts every queued request, rejecting each with
// ErrQueueCleared. It returns the number of requests removed.
func (q *QueueManager) ClearAll() int {
	return q.clearAll(ErrQueueCleared)
}

func (q *QueueManager) clearRoute(route string, reason error) int {
	q.mu.Lock()
	queue := q.queues[route]
	delete(q.queues, route)
	q.mu.Unlock()

	for _, req := range queue {
		req.settle(nil, reason)
	}
	return len(queue)
}

func (q *QueueManager) clearAll(reason error) int {
	q.mu.Lock()
	queues := q.queues
	q.queues = map[string][]*QueuedRequest{}
	q.mu.Unlock()

	removed := 0
	for _, queue := range queues {
		for _, req := range queue {
			req.settle(nil, reason)
		}
		removed += len(queue)
	}
	return removed
}

// GetRequestsByPriority counts queued requests per priority. Every
// priority level is present in the result.
func (q *QueueManager) GetRequestsByPriority() map[Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.requestsByPriority()
}

func (q *QueueManager) requestsByPriority() map[Priority]int {
	counts := make(map[Priority]int, len(Priorities))
	for _, p := range Priorities {
		counts[p] = 0
	}
	for _, queue := range q.queues {
		for _, req := range queue {
			counts[req.Priority]++
		}
	}
	return counts
}

// GetStats returns a snapshot of the queue contents.
func (q *QueueManager) GetStats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{
		QueuedByRoute:    make(map[string]int, len(q.queues)),
		QueuedByPriority: q.requestsByPriority(),
		ActiveRoutes:     len(q.queues),
	}
	for route, queue := range q.queues {
		stats.QueuedByRoute[route] = len(queue)
		stats.TotalQueued += len(queue)
	}
	return stats
}
