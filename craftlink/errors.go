package craftlink

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	ErrRequestTimeout = errors.New("request timed out")
	ErrLimiterClosed  = errors.New("rate limiter is shut down")
	ErrQueueCleared   = errors.New("request evicted from queue")
	ErrNoOperation    = errors.New("request has no operation")
	ErrInvalidRoute   = errors.New("route must not be empty")
)

// defaultRetryAfter is used when a rate limit error doesn't say how
// long to wait.
const defaultRetryAfter = 1.0

// TimeoutError is returned when an operation doesn't complete within
// its request timeout.
type TimeoutError struct {
	RequestID string
	Route     string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf(
		"request %s on route %q timed out after %s",
		e.RequestID,
		e.Route,
		e.Timeout,
	)
}

func (e *TimeoutError) Unwrap() error {
	return ErrRequestTimeout
}

// RateLimitError may be returned by an operation to signal an HTTP 429
// from the downstream API.
type RateLimitError struct {
	Route string

	// RetryAfter is the number of seconds to wait before retrying
	RetryAfter float64

	// Global is true when the limit applies to all routes
	Global bool

	StatusCode int
}

func (e *RateLimitError) Error() string {
	scope := "route"
	if e.Global {
		scope = "global"
	}
	return fmt.Sprintf(
		"rate limited (%s) on %q, retry after %.3fs",
		scope,
		e.Route,
		e.RetryAfter,
	)
}

type statusCoder interface {
	StatusCode() int
}

type httpStatuser interface {
	HTTPStatus() int
}

type coder interface {
	Code() int
}

type retryAfterer interface {
	RetryAfter() time.Duration
}

// IsRateLimitError reports whether err signals an HTTP 429. It recognizes
// *RateLimitError, discordgo's *RateLimitError and *RESTError, and any
// error in the chain exposing StatusCode(), HTTPStatus() or Code()
// returning 429.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}

	var dgRateLimit *discordgo.RateLimitError
	if errors.As(err, &dgRateLimit) {
		return true
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		if restErr.Response.StatusCode == http.StatusTooManyRequests {
			return true
		}
	}

	var sc statusCoder
	if errors.As(err, &sc) && sc.StatusCode() == http.StatusTooManyRequests {
		return true
	}
	var hs httpStatuser
	if errors.As(err, &hs) && hs.HTTPStatus() == http.StatusTooManyRequests {
		return true
	}
	var c coder
	if errors.As(err, &c) && c.Code() == http.StatusTooManyRequests {
		return true
	}
	return false
}

// RateLimitDetails extracts the retry delay (in seconds) and global flag
// from a rate limit error. When no delay can be found, it defaults to
// one second.
func RateLimitDetails(err error) (retryAfter float64, global bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return positiveOrDefault(rle.RetryAfter), rle.Global
	}

	var dgRateLimit *discordgo.RateLimitError
	if errors.As(err, &dgRateLimit) &&
		dgRateLimit.RateLimit != nil &&
		dgRateLimit.TooManyRequests != nil {
		// discordgo drops the global flag, HeaderTransport reports
		// global limits from the response headers instead
		return positiveOrDefault(dgRateLimit.RetryAfter.Seconds()), false
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		retryAfter, global = restErrorDetails(restErr)
		return positiveOrDefault(retryAfter), global
	}

	var ra retryAfterer
	if errors.As(err, &ra) {
		return positiveOrDefault(ra.RetryAfter().Seconds()), false
	}

	return defaultRetryAfter, false
}

// restErrorDetails reads the retry delay from the 429 response body, then
// from the Retry-After and X-RateLimit-Reset-After headers.
func restErrorDetails(restErr *discordgo.RESTError) (float64, bool) {
	var body struct {
		RetryAfter float64 `json:"retry_after"`
		Global     bool    `json:"global"`
	}
	if len(restErr.ResponseBody) > 0 {
		_ = json.Unmarshal(restErr.ResponseBody, &body)
	}
	if restErr.Response == nil {
		return body.RetryAfter, body.Global
	}

	h := restErr.Response.Header
	global := body.Global || isGlobalResponse(h)
	if body.RetryAfter > 0 {
		return body.RetryAfter, global
	}
	return retryAfterHeader(h), global
}

func positiveOrDefault(seconds float64) float64 {
	if seconds <= 0 {
		return defaultRetryAfter
	}
	return seconds
}
