package craftlink

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var apiVersionPrefix = regexp.MustCompile(`^/api/v\d+`)

// majorParameters are path segments whose following ID is part of the
// rate limit bucket, rather than a wildcard.
var majorParameters = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

// tokenParents are path segments two positions before a secret token.
var tokenParents = map[string]bool{
	"webhooks":     true,
	"interactions": true,
}

// RouteKey returns the rate limit route for a Discord API request, in the
// form "<METHOD> <path>". The API version prefix and query are removed,
// IDs are replaced with "{id}" unless they follow a major parameter, and
// webhook and interaction tokens are replaced with "{token}". Everything
// after a reactions segment is collapsed, since reactions share a bucket.
//
//	RouteKey("POST", "https://discord.com/api/v9/channels/123/messages")
//	// "POST /channels/123/messages"
func RouteKey(method string, rawURL string) string {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	} else if before, _, ok := strings.Cut(rawURL, "?"); ok {
		path = before
	}
	path = apiVersionPrefix.ReplaceAllString(path, "")

	segments := strings.Split(strings.Trim(path, "/"), "/")
	out := make([]string, 0, len(segments))
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		switch {
		case i > 0 && majorParameters[segments[i-1]]:
			out = append(out, seg)
		case i > 1 && tokenParents[segments[i-2]]:
			out = append(out, "{token}")
		case isSnowflake(seg):
			out = append(out, "{id}")
		default:
			out = append(out, seg)
		}
		if seg == "reactions" {
			break
		}
	}
	return strings.ToUpper(method) + " /" + strings.Join(out, "/")
}

func isSnowflake(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// HeaderTransport is an http.RoundTripper that reports Discord rate
// limit headers from every response to a RateLimiter, so buckets are
// tracked without callers parsing responses. A 429 with a global scope
// also activates the limiter's global throttle.
type HeaderTransport struct {
	// Base performs the request. http.DefaultTransport if nil.
	Base    http.RoundTripper
	Limiter *RateLimiter
}

func (t *HeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil || t.Limiter == nil {
		return resp, err
	}

	route := RouteKey(req.Method, req.URL.String())
	t.Limiter.UpdateBucketFromHTTPHeaders(route, resp.Header)

	if resp.StatusCode == http.StatusTooManyRequests && isGlobalResponse(resp.Header) {
		t.Limiter.Handle429(route, retryAfterHeader(resp.Header), true)
	}
	return resp, nil
}

func isGlobalResponse(h http.Header) bool {
	return strings.EqualFold(h.Get(headerGlobal), "true") ||
		strings.EqualFold(h.Get(headerScope), "global")
}

// retryAfterHeader returns the delay, in seconds, from Retry-After or
// X-RateLimit-Reset-After.
func retryAfterHeader(h http.Header) float64 {
	for _, key := range []string{"Retry-After", headerResetAfter} {
		if v, err := strconv.ParseFloat(h.Get(key), 64); err == nil && v > 0 {
			return v
		}
	}
	return defaultRetryAfter
}
