// Package craftlink implements the Discord side of a Minecraft community
// bot: a rate limiter that schedules every Discord REST request, and the
// services built around it.
//
// Discord enforces per-route buckets (reported in X-RateLimit-* response
// headers) and a global per-bot limit. Instead of letting callers hit 429s,
// requests are queued per route, ordered by priority, and released only
// when the route's bucket and the global throttle allow it. Requests that
// are rate limited anyway are re-queued and retried after the delay
// Discord asked for.
//
// Key components of the package include:
//
//   - RateLimiter: Queues, schedules and retries operations. Use Execute,
//     or Do for typed results.
//   - BucketManager: Tracks bucket state from response headers and 429s.
//   - QueueManager: Per-route priority queues.
//   - HeaderTransport: An http.RoundTripper feeding response headers to
//     the RateLimiter.
//   - Discord: A discordgo session whose requests go through the
//     RateLimiter, with per-method default priorities.
//   - RequestRecorder: Persists request outcomes to sqlite or postgres.
//   - API: Admin endpoints for stats, buckets, queues, the request log,
//     and a websocket stream of limiter events.
//
// Priorities, highest first: critical (interaction responses), high,
// normal, low, bulk.
package craftlink
