package craftlink

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies a rate limiter lifecycle event.
type EventType string

const (
	EventEnqueue        EventType = "enqueue"
	EventDequeue        EventType = "dequeue"
	EventRequestSuccess EventType = "request:success"
	EventRequestRetry   EventType = "request:retry"
	EventRequestFailed  EventType = "request:failed"
)

// DefaultEventBufferSize is the per-subscriber channel capacity.
const DefaultEventBufferSize = 256

// Event describes something that happened to a queued request. Only the
// fields relevant to the event type are set.
type Event struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id"`
	Route     string    `json:"route"`
	Priority  Priority  `json:"priority"`
	Time      time.Time `json:"time"`

	// QueueTime is how long the request waited before it was executed
	// (request:success)
	QueueTime time.Duration `json:"queue_time,omitempty"`

	// ExecutionTime is how long the request took since it was queued
	// (request:success, request:failed)
	ExecutionTime time.Duration `json:"execution_time,omitempty"`

	// RetryAfter is the delay, in seconds, before the next attempt
	// (request:retry)
	RetryAfter float64 `json:"retry_after,omitempty"`

	// Attempt is the retry number (request:retry)
	Attempt int `json:"attempt,omitempty"`

	// Retries is the number of retries made (request:failed)
	Retries int `json:"retries,omitempty"`

	// QueueSize is the size of the route's queue after the change
	// (enqueue, dequeue)
	QueueSize int `json:"queue_size,omitempty"`

	Err error `json:"-"`
}

// MarshalJSON renders Err as a string.
func (e Event) MarshalJSON() ([]byte, error) {
	type event Event
	payload := struct {
		event
		Error string `json:"error,omitempty"`
	}{event: event(e)}
	if e.Err != nil {
		payload.Error = e.Err.Error()
	}
	return json.Marshal(payload)
}

func (e Event) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("type", string(e.Type)),
		slog.String("request_id", e.RequestID),
		slog.String("route", e.Route),
		slog.String("priority", e.Priority.String()),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

type eventSub struct {
	ch     chan Event
	closed atomic.Bool
}

// eventHub fans events out to subscribers over buffered channels.
// Publishing never blocks: when a subscriber's buffer is full, the
// event is dropped for that subscriber.
type eventHub struct {
	mu         sync.RWMutex
	subs       map[*eventSub]struct{}
	bufferSize int
	closed     atomic.Bool
	dropped    atomic.Int64
	logger     *slog.Logger
}

func newEventHub(bufferSize int, logger *slog.Logger) *eventHub {
	if bufferSize <= 0 {
		bufferSize = DefaultEventBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &eventHub{
		subs:       map[*eventSub]struct{}{},
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscribe returns a channel receiving all subsequent events, and a
// function to unsubscribe. The channel is closed on unsubscribe or when
// the hub is closed.
func (h *eventHub) Subscribe() (<-chan Event, func()) {
	sub := &eventSub{ch: make(chan Event, h.bufferSize)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subs[sub] = struct{}{}

	return sub.ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			h.closeSub(sub)
		}
	}
}

// Observe calls fn for each event, in order, on a dedicated goroutine.
// The returned function stops observing.
func (h *eventHub) Observe(fn func(Event)) func() {
	ch, unsubscribe := h.Subscribe()
	go func() {
		for e := range ch {
			fn(e)
		}
	}()
	return unsubscribe
}

func (h *eventHub) publish(e Event) {
	if h.closed.Load() {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			h.dropped.Add(1)
			h.logger.Debug(
				"event subscriber buffer full, dropping event",
				"event", e,
			)
		}
	}
}

func (h *eventHub) closeSub(sub *eventSub) {
	if sub.closed.CompareAndSwap(false, true) {
		close(sub.ch)
	}
}

// Close detaches and closes every subscriber.
func (h *eventHub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		h.closeSub(sub)
		delete(h.subs, sub)
	}
}

func (h *eventHub) subscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
