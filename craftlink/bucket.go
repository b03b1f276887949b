package craftlink

import (
	"fmt"
	"log/slog"
	"maps"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	headerBucket     = "x-ratelimit-bucket"
	headerLimit      = "x-ratelimit-limit"
	headerRemaining  = "x-ratelimit-remaining"
	headerReset      = "x-ratelimit-reset"
	headerResetAfter = "x-ratelimit-reset-after"
	headerGlobal     = "x-ratelimit-global"
	headerScope      = "x-ratelimit-scope"

	reasonGlobalRateLimit = "global_rate_limit"

	// DefaultBucketGracePeriod is how long a bucket is kept after its
	// reset time before Cleanup discards it.
	DefaultBucketGracePeriod = 300 * time.Second
)

// RateLimitBucket is a rate limit allowance, as reported by Discord,
// that may be shared by several routes.
type RateLimitBucket struct {
	ID        string `json:"id"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`

	// Reset is the epoch time, in seconds, when the bucket resets
	Reset float64 `json:"reset"`

	// ResetAfter is the number of seconds until the bucket resets, at the
	// time it was observed
	ResetAfter float64 `json:"reset_after"`

	Global bool `json:"global"`
}

// ResetTime returns Reset as a time.Time.
func (b RateLimitBucket) ResetTime() time.Time {
	return epochSecondsToTime(b.Reset)
}

func (b RateLimitBucket) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", b.ID),
		slog.Int("limit", b.Limit),
		slog.Int("remaining", b.Remaining),
		slog.Float64("reset", b.Reset),
		slog.Float64("reset_after", b.ResetAfter),
		slog.Bool("global", b.Global),
	)
}

// GlobalRateLimit is the process-wide throttle applied across all routes.
type GlobalRateLimit struct {
	Active  bool      `json:"active"`
	ResetAt time.Time `json:"reset_at"`
}

// Decision is the result of BucketManager.CanRequest.
type Decision struct {
	Allowed  bool          `json:"allowed"`
	WaitTime time.Duration `json:"wait_time"`
	Reason   string        `json:"reason,omitempty"`
}

// BucketManager tracks per-route bucket state and the global throttle,
// and decides whether a route may issue a request right now.
//
// Routes map to buckets through routeBuckets, because Discord shares
// one bucket between several routes.
type BucketManager struct {
	mu           sync.Mutex
	buckets      map[string]*RateLimitBucket
	routeBuckets map[string]string
	global       GlobalRateLimit
	gracePeriod  time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewBucketManager returns an empty BucketManager. A gracePeriod <= 0
// uses DefaultBucketGracePeriod.
func NewBucketManager(gracePeriod time.Duration, logger *slog.Logger) *BucketManager {
	if gracePeriod <= 0 {
		gracePeriod = DefaultBucketGracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BucketManager{
		buckets:      map[string]*RateLimitBucket{},
		routeBuckets: map[string]string{},
		gracePeriod:  gracePeriod,
		logger:       logger,
		now:          time.Now,
	}
}

// UpdateFromHeaders records the bucket described by the given
// (lower-cased) rate limit headers for route. It does nothing when
// the headers don't identify a bucket.
func (m *BucketManager) UpdateFromHeaders(route string, headers map[string]string) {
	bucketID := headers[headerBucket]
	if bucketID == "" {
		return
	}

	bucket := &RateLimitBucket{
		ID:         bucketID,
		Limit:      parseIntHeader(headers[headerLimit]),
		Remaining:  max(parseIntHeader(headers[headerRemaining]), 0),
		Reset:      parseFloatHeader(headers[headerReset]),
		ResetAfter: parseFloatHeader(headers[headerResetAfter]),
		Global:     strings.EqualFold(headers[headerGlobal], "true"),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if bucket.Reset == 0 && bucket.ResetAfter > 0 {
		bucket.Reset = timeToEpochSeconds(now) + bucket.ResetAfter
	}

	m.buckets[bucketID] = bucket
	m.routeBuckets[route] = bucketID

	if bucket.Global {
		m.activateGlobal(now, bucket.ResetAfter)
	}

	m.logger.Debug(
		"updated rate limit bucket",
		"route", route,
		"bucket", *bucket,
	)
}

// UpdateFromHTTPHeaders is UpdateFromHeaders for an http.Header.
func (m *BucketManager) UpdateFromHTTPHeaders(route string, h http.Header) {
	m.UpdateFromHeaders(route, lowerHeaders(h))
}

// Handle429 applies a rate limit response to route. A global limit
// throttles every route for retryAfter seconds; otherwise the route's
// bucket is depleted until now+retryAfter. Routes without a known bucket
// are left alone.
func (m *BucketManager) Handle429(route string, retryAfter float64, global bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if global {
		m.activateGlobal(now, retryAfter)
		m.logger.Warn(
			"global rate limit hit",
			"route", route,
			"retry_after", retryAfter,
			"reset_at", m.global.ResetAt,
		)
		return
	}

	bucket := m.routeBucket(route)
	if bucket == nil {
		m.logger.Debug(
			"rate limited on route without a known bucket",
			"route", route,
			"retry_after", retryAfter,
		)
		return
	}
	bucket.Remaining = 0
	bucket.ResetAfter = retryAfter
	bucket.Reset = timeToEpochSeconds(now) + retryAfter
	m.logger.Warn(
		"route rate limited",
		"route", route,
		"bucket", *bucket,
	)
}

// CanRequest reports whether route may issue a request now. If not, the
// returned Decision holds how long to wait and why.
func (m *BucketManager) CanRequest(route string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.global.Active {
		if now.Before(m.global.ResetAt) {
			return Decision{
				Allowed:  false,
				WaitTime: m.global.ResetAt.Sub(now),
				Reason:   reasonGlobalRateLimit,
			}
		}
		m.global = GlobalRateLimit{}
	}

	bucket := m.routeBucket(route)
	if bucket == nil || bucket.Remaining > 0 {
		return Decision{Allowed: true}
	}

	wait := bucket.ResetTime().Sub(now)
	if wait <= 0 {
		return Decision{Allowed: true}
	}
	return Decision{
		Allowed:  false,
		WaitTime: wait,
		Reason:   fmt.Sprintf("bucket_%s_depleted", bucket.ID),
	}
}

// ConsumeRequest decrements the remaining count of route's bucket,
// never below zero.
func (m *BucketManager) ConsumeRequest(route string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bucket := m.routeBucket(route); bucket != nil && bucket.Remaining > 0 {
		bucket.Remaining--
	}
}

// Cleanup removes buckets whose reset time passed more than the grace
// period ago, along with any route mappings pointing at them. It returns
// the number of buckets removed.
func (m *BucketManager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := timeToEpochSeconds(m.now()) - m.gracePeriod.Seconds()
	removed := 0
	for id, bucket := range m.buckets {
		if bucket.Reset < cutoff {
			delete(m.buckets, id)
			removed++
		}
	}
	for route, id := range m.routeBuckets {
		if _, ok := m.buckets[id]; !ok {
			delete(m.routeBuckets, route)
		}
	}
	if removed > 0 {
		m.logger.Debug(
			"cleaned up expired buckets",
			"removed", removed,
			"remaining", len(m.buckets),
		)
	}
	return removed
}

// GetBucket returns a copy of the bucket mapped to route.
func (m *BucketManager) GetBucket(route string) (RateLimitBucket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.routeBucket(route)
	if bucket == nil {
		return RateLimitBucket{}, false
	}
	return *bucket, true
}

// GetAllBuckets returns a copy of every known bucket, keyed by bucket ID.
func (m *BucketManager) GetAllBuckets() map[string]RateLimitBucket {
	m.mu.Lock()
	defer m.mu.Unlock()

	rv := make(map[string]RateLimitBucket, len(m.buckets))
	for id, bucket := range m.buckets {
		rv[id] = *bucket
	}
	return rv
}

// GetRouteBuckets returns a copy of the route to bucket ID mapping.
func (m *BucketManager) GetRouteBuckets() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.routeBuckets)
}

// BucketCount returns the number of known buckets.
func (m *BucketManager) BucketCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// IsGlobalRateLimitActive reports whether the global throttle is in
// effect, clearing it once expired.
func (m *BucketManager) IsGlobalRateLimitActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.global.Active {
		return false
	}
	if !m.now().Before(m.global.ResetAt) {
		m.global = GlobalRateLimit{}
		return false
	}
	return true
}

// GlobalRateLimit returns the current global throttle state.
func (m *BucketManager) GlobalRateLimit() GlobalRateLimit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global
}

func (m *BucketManager) routeBucket(route string) *RateLimitBucket {
	id, ok := m.routeBuckets[route]
	if !ok {
		return nil
	}
	return m.buckets[id]
}

// activateGlobal must be called with mu held.
func (m *BucketManager) activateGlobal(now time.Time, seconds float64) {
	resetAt := now.Add(secondsToDuration(seconds))
	if m.global.Active && m.global.ResetAt.After(resetAt) {
		return
	}
	m.global = GlobalRateLimit{Active: true, ResetAt: resetAt}
}

func lowerHeaders(h http.Header) map[string]string {
	rv := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		rv[strings.ToLower(k)] = v[0]
	}
	return rv
}

func parseIntHeader(s string) int {
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return v
}

func parseFloatHeader(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func timeToEpochSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

func epochSecondsToTime(seconds float64) time.Time {
	return time.UnixMilli(int64(math.Round(seconds * 1000)))
}
