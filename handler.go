package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nhalm/canonlog"
)

// RequestIDHeader carries the request ID in and out of the service.
const RequestIDHeader = "X-Request-ID"

type requestIDContextKey string

const requestIDKey requestIDContextKey = "request_id"

// HandlerOption configures the Handler middleware.
type HandlerOption func(*config)

type config struct {
	canonlog       bool
	canonlogFields func(*http.Request) map[string]any
	slosEnabled    bool
}

// WithCanonlog enables one canonical log line per request with method, path,
// route, status, duration_ms and request_id. Errors set via SetError are
// added to the line.
func WithCanonlog() HandlerOption {
	return func(c *config) {
		c.canonlog = true
	}
}

// WithCanonlogFields adds custom fields to each log line.
// Called at request start, before the handler executes.
func WithCanonlogFields(fn func(*http.Request) map[string]any) HandlerOption {
	return func(c *config) {
		c.canonlogFields = fn
	}
}

// WithSLOs logs slo_class and slo_status (PASS or FAIL) for routes wrapped
// with SLO. Requires WithCanonlog.
func WithSLOs() HandlerOption {
	return func(c *config) {
		c.slosEnabled = true
	}
}

// Handler returns middleware that manages response state and writes responses.
// It also assigns every request an ID, taken from X-Request-ID when the client
// sent one, and echoes it back.
func Handler(opts ...HandlerOption) func(http.Handler) http.Handler {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := &State{}
			ctx := context.WithValue(r.Context(), stateKey, state)

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set(RequestIDHeader, requestID)

			var start time.Time
			if cfg.canonlog {
				ctx = canonlog.NewContext(ctx)
				start = time.Now()

				canonlog.InfoAddMany(ctx, map[string]any{
					"method":     r.Method,
					"path":       r.URL.Path,
					"request_id": requestID,
				})

				if cfg.canonlogFields != nil {
					canonlog.InfoAddMany(ctx, cfg.canonlogFields(r))
				}
			}

			r = r.WithContext(ctx)

			defer func() {
				if rec := recover(); rec != nil {
					state.mu.Lock()
					state.err = ErrInternal
					state.mu.Unlock()

					if cfg.canonlog {
						canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
					}
				}

				if cfg.canonlog {
					logRequest(ctx, r, state, start, cfg.slosEnabled)
				}

				writeResponse(w, state)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDFromContext returns the ID Handler assigned to the request.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// LogField adds a field to the request's canonical log line.
// It is a no-op when canonical logging is disabled.
func LogField(r *http.Request, key string, value any) {
	if _, ok := canonlog.TryGetLogger(r.Context()); !ok {
		return
	}
	canonlog.InfoAdd(r.Context(), key, value)
}

// LogError adds err to the request's canonical log line.
// It is a no-op when canonical logging is disabled.
func LogError(r *http.Request, err error) {
	if _, ok := canonlog.TryGetLogger(r.Context()); !ok {
		return
	}
	canonlog.ErrorAdd(r.Context(), err)
}

func logRequest(ctx context.Context, r *http.Request, state *State, start time.Time, slos bool) {
	state.mu.Lock()
	status := state.status
	if state.err != nil {
		status = state.err.Status
		canonlog.ErrorAdd(ctx, state.err)
	}
	state.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}

	duration := time.Since(start)

	route := r.URL.Path
	if rctx := chi.RouteContext(ctx); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			route = pattern
		}
	}

	canonlog.InfoAddMany(ctx, map[string]any{
		"route":       route,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})

	if slos {
		if tier, target, ok := GetSLO(ctx); ok {
			sloStatus := "PASS"
			if duration > target {
				sloStatus = "FAIL"
			}
			canonlog.InfoAdd(ctx, "slo_class", string(tier))
			canonlog.InfoAdd(ctx, "slo_status", sloStatus)
		}
	}

	canonlog.Flush(ctx)
}

func writeResponse(w http.ResponseWriter, state *State) {
	state.mu.Lock()
	defer state.mu.Unlock()

	for key, values := range state.headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	if state.err != nil {
		writeJSON(w, state.err.Status, errorResponse{Error: state.err})
		return
	}

	if state.body != nil {
		writeJSON(w, state.status, state.body)
		return
	}

	if state.status != 0 {
		w.WriteHeader(state.status)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
