// Request throttling middleware.
//
// The password endpoint already limits attempts per quiz. RateLimiter adds a
// second, coarser limit per client so one address cannot walk through many
// quizzes. Both limits share a limiter.Limiter and its store:
//
//	throttle := guard.NewRateLimiter(lim, store.Policy{Limit: 30, Window: time.Minute},
//	    guard.RateLimitWithName("ip"),
//	    guard.RateLimitWithRealIP(),
//	)
//	r.With(throttle.Handler).Post("/api/quizzes/{quizID}/verify-password", ...)

package guard

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/examforge/guard/limiter"
	"github.com/examforge/guard/store"
)

// rateLimitKeyFunc extracts a key component from a request.
// Returning an empty string indicates the value is missing.
type rateLimitKeyFunc func(*http.Request) string

type rateLimitDimension struct {
	fn       rateLimitKeyFunc
	required bool
	name     string
}

// RateLimiter implements per-request throttling middleware.
type RateLimiter struct {
	limiter *limiter.Limiter
	policy  store.Policy
	name    string
	keyDims []rateLimitDimension
}

// RateLimitOption configures a RateLimiter.
type RateLimitOption func(*RateLimiter)

// RateLimitWithName sets a prefix for keys so throttles never collide with
// other identifiers in the same store.
func RateLimitWithName(name string) RateLimitOption {
	return func(l *RateLimiter) {
		l.name = name
	}
}

// RateLimitWithIP keys on the client IP from RemoteAddr. Use for direct connections.
func RateLimitWithIP() RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				ip, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					return r.RemoteAddr
				}
				return ip
			},
			name: "IP",
		})
	}
}

// RateLimitWithRealIP keys on the first X-Forwarded-For address, falling back
// to X-Real-IP. Requests carrying neither are rejected with 400.
//
// SECURITY: Only use this behind a trusted reverse proxy that sets these headers.
// Without a proxy, clients can spoof X-Forwarded-For to bypass the throttle.
func RateLimitWithRealIP() RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
					first, _, _ := strings.Cut(xff, ",")
					return strings.TrimSpace(first)
				}
				return strings.TrimSpace(r.Header.Get("X-Real-IP"))
			},
			required: true,
			name:     "X-Forwarded-For or X-Real-IP header",
		})
	}
}

// RateLimitWithEndpoint adds "<method>:<path>" to the key.
func RateLimitWithEndpoint() RateLimitOption {
	return func(l *RateLimiter) {
		l.keyDims = append(l.keyDims, rateLimitDimension{
			fn: func(r *http.Request) string {
				return r.Method + ":" + r.URL.Path
			},
			name: "endpoint",
		})
	}
}

// NewRateLimiter creates throttling middleware that consumes one attempt
// from lim under policy for every request.
// Panics if no key dimension is configured.
func NewRateLimiter(lim *limiter.Limiter, policy store.Policy, opts ...RateLimitOption) *RateLimiter {
	l := &RateLimiter{
		limiter: lim,
		policy:  policy,
	}
	for _, opt := range opts {
		opt(l)
	}
	if len(l.keyDims) == 0 {
		panic("guard: rate limiter needs at least one key dimension (RateLimitWithIP, RateLimitWithRealIP or RateLimitWithEndpoint)")
	}
	return l
}

// Handler returns the throttling middleware. Responses carry RateLimit-Limit,
// RateLimit-Remaining and RateLimit-Reset; throttled requests get 429 with
// Retry-After. A store failure yields 503 unless the limiter is fail-open.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, missingDim := l.buildKey(r)
		if missingDim != "" {
			SetError(r, ErrBadRequest.With(fmt.Sprintf("Missing required %s", missingDim)))
			return
		}

		d, err := l.limiter.Check(r.Context(), key, l.policy)
		if err != nil {
			if errors.Is(err, limiter.ErrStoreUnavailable) {
				SetError(r, ErrServiceUnavailable.With("Rate limit check failed"))
			} else {
				SetError(r, ErrInternal.With("Rate limit check failed"))
			}
			return
		}

		setRateLimitHeaders(r, d)

		if !d.Allowed {
			SetHeader(r, "Retry-After", retryAfterSeconds(d))
			SetError(r, ErrRateLimited.With(fmt.Sprintf("Rate limit exceeded: %d requests per %s", l.policy.Limit, l.policy.Window)))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) buildKey(r *http.Request) (string, string) {
	parts := make([]string, 0, len(l.keyDims)+1)
	if l.name != "" {
		parts = append(parts, l.name)
	}

	for _, dim := range l.keyDims {
		part := dim.fn(r)
		if part == "" {
			if dim.required {
				return "", dim.name
			}
			continue
		}
		parts = append(parts, part)
	}

	return strings.Join(parts, ":"), ""
}

// setRateLimitHeaders follows draft-ietf-httpapi-ratelimit-headers.
func setRateLimitHeaders(r *http.Request, d limiter.Decision) {
	SetHeader(r, "RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	SetHeader(r, "RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	SetHeader(r, "RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// retryAfterSeconds rounds up so clients never retry inside the window.
func retryAfterSeconds(d limiter.Decision) string {
	secs := int64(math.Ceil(d.RetryAfter(time.Now()).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
