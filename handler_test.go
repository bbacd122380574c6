package guard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
)

func TestHandler_SuccessResponse(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusCreated, map[string]string{"id": "quiz-1"})
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status %d, got %d", http.StatusCreated, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["id"] != "quiz-1" {
		t.Errorf("expected id=quiz-1, got %s", body["id"])
	}
}

func TestHandler_ErrorResponse(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetError(r, ErrNotFound.With("Quiz not found"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}

	var body map[string]*APIError
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	errResp := body["error"]
	if errResp.Type != "not_found" {
		t.Errorf("expected type not_found, got %s", errResp.Type)
	}
	if errResp.Message != "Quiz not found" {
		t.Errorf("expected message 'Quiz not found', got %s", errResp.Message)
	}
}

func TestHandler_ErrorTakesPrecedence(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
		SetError(r, ErrUnauthorized)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestHandler_PanicRecovery(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}

	var body map[string]*APIError
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["error"].Type != "internal_error" {
		t.Errorf("expected type internal_error, got %s", body["error"].Type)
	}
}

func TestHandler_CustomHeaders(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetHeader(r, "RateLimit-Remaining", "4")
		SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("RateLimit-Remaining"); got != "4" {
		t.Errorf("expected RateLimit-Remaining=4, got %s", got)
	}
}

func TestHandler_EmptyResponse(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestHandler_StatusOnlyResponse(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusNoContent, nil)
	}))

	req := httptest.NewRequest(http.MethodDelete, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rec.Body.String())
	}
}

func TestHandler_RequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
	}{
		{name: "propagated", incoming: "req-123"},
		{name: "generated", incoming: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				seen, _ = RequestIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			got := rec.Header().Get(RequestIDHeader)
			if got == "" {
				t.Fatal("expected X-Request-ID response header")
			}
			if got != seen {
				t.Errorf("context id %q does not match header %q", seen, got)
			}
			if tt.incoming != "" && got != tt.incoming {
				t.Errorf("expected %q, got %q", tt.incoming, got)
			}
			if tt.incoming == "" && len(got) != 36 {
				t.Errorf("expected generated UUID, got %q", got)
			}
		})
	}
}

func TestHasState(t *testing.T) {
	var hasStateInHandler bool

	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		hasStateInHandler = HasState(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !hasStateInHandler {
		t.Error("expected HasState to return true inside Handler")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if HasState(req2.Context()) {
		t.Error("expected HasState to return false without Handler")
	}
}

func TestSetters_NoStateAreNoops(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)

	SetError(req, ErrInternal)
	SetResponse(req, http.StatusOK, nil)
	SetHeader(req, "X-Test", "value")
	LogField(req, "key", "value")
	LogError(req, errors.New("boom"))
}

func TestAPIError_Is(t *testing.T) {
	err := ErrNotFound.With("Quiz not found")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is to match ErrNotFound")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("expected errors.Is not to match ErrUnauthorized")
	}
}

func TestAPIError_NilReceiver(t *testing.T) {
	var nilErr *APIError

	if !nilErr.Is(nil) {
		t.Error("expected nil error to match nil target")
	}
	if nilErr.Is(ErrNotFound) {
		t.Error("expected nil error not to match non-nil target")
	}
	if nilErr.With("message") != nil {
		t.Error("expected With() on nil receiver to return nil")
	}
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError([]FieldError{
		{Param: "password", Code: "required", Message: "required"},
	})

	if err.Type != "validation_error" {
		t.Errorf("expected type validation_error, got %s", err.Type)
	}
	if err.Code != "invalid_request" {
		t.Errorf("expected code invalid_request, got %s", err.Code)
	}
	if len(err.Errors) != 1 {
		t.Errorf("expected 1 field error, got %d", len(err.Errors))
	}
	if err.Status != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, err.Status)
	}
}

func TestAllSentinelErrors(t *testing.T) {
	sentinels := []*APIError{
		ErrBadRequest,
		ErrUnauthorized,
		ErrNotFound,
		ErrPayloadTooLarge,
		ErrUnsupportedMediaType,
		ErrRateLimited,
		ErrInternal,
		ErrServiceUnavailable,
	}

	for _, sentinel := range sentinels {
		if sentinel.Type == "" || sentinel.Code == "" || sentinel.Message == "" {
			t.Errorf("sentinel %+v has empty fields", sentinel)
		}
		if sentinel.Status == 0 {
			t.Errorf("sentinel %s has zero Status", sentinel.Code)
		}
	}
}

func TestHandler_JSONEncodingFailureBody(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, map[string]any{"channel": make(chan int)})
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("expected Content-Type text/plain, got %s", ct)
	}
	if body := rec.Body.String(); body != "Internal server error" {
		t.Errorf("expected body 'Internal server error', got %s", body)
	}
}

func TestHandler_ConcurrentMixedOperations(t *testing.T) {
	const goroutines = 50

	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var wg sync.WaitGroup
		wg.Add(goroutines * 3)

		for i := range goroutines {
			go func() {
				defer wg.Done()
				SetError(r, ErrBadRequest.With(fmt.Sprintf("error %d", i)))
			}()
			go func() {
				defer wg.Done()
				SetResponse(r, http.StatusOK, map[string]int{"id": i})
			}()
			go func() {
				defer wg.Done()
				SetHeader(r, "X-Test", "value")
			}()
		}

		wg.Wait()
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected error to win with status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestWithCanonlog_CreatesLogger(t *testing.T) {
	var loggerFound bool

	handler := Handler(WithCanonlog())(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, loggerFound = canonlog.TryGetLogger(r.Context())
		LogField(r, "quiz_id", "quiz-1")
		SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !loggerFound {
		t.Error("expected canonlog logger to be in context")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestWithCanonlog_Disabled(t *testing.T) {
	var loggerFound bool

	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, loggerFound = canonlog.TryGetLogger(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if loggerFound {
		t.Error("expected canonlog logger to not be in context when disabled")
	}
}

func TestWithCanonlogFields_Called(t *testing.T) {
	var called bool

	handler := Handler(
		WithCanonlog(),
		WithCanonlogFields(func(r *http.Request) map[string]any {
			called = true
			return map[string]any{"user_agent": r.UserAgent()}
		}),
	)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, nil)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Error("expected canonlog fields func to be called")
	}
}

func TestWithCanonlog_ErrorAndPanic(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  int
	}{
		{
			name: "error",
			handler: func(_ http.ResponseWriter, r *http.Request) {
				LogError(r, errors.New("store down"))
				SetError(r, ErrServiceUnavailable)
			},
			status: http.StatusServiceUnavailable,
		},
		{
			name: "panic",
			handler: func(_ http.ResponseWriter, _ *http.Request) {
				panic("test panic")
			},
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Handler(WithCanonlog())(tt.handler)

			req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, rec.Code)
			}
		})
	}
}

// captureLog routes the default slog logger, which canonlog flushes
// through, into a buffer for the duration of the test.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestWithSLOs_LogsSLOStatus(t *testing.T) {
	logs := captureLog(t)

	r := chi.NewRouter()
	r.Use(Handler(WithCanonlog(), WithSLOs()))
	r.With(SLO(SLOHighFast)).Get("/test", func(_ http.ResponseWriter, r *http.Request) {
		tier, target, ok := GetSLO(r.Context())
		if !ok || tier != SLOHighFast || target != sloTargets[SLOHighFast] {
			t.Errorf("unexpected SLO %s/%s/%v", tier, target, ok)
		}
		SetResponse(r, http.StatusOK, nil)
	})
	r.Get("/untracked", func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, nil)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	line := logs.String()
	if !strings.Contains(line, "slo_class=high_fast") {
		t.Errorf("expected slo_class=high_fast in log line, got %q", line)
	}
	if !strings.Contains(line, "slo_status=PASS") {
		t.Errorf("expected slo_status=PASS in log line, got %q", line)
	}

	logs.Reset()
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/untracked", http.NoBody))

	if strings.Contains(logs.String(), "slo_class") {
		t.Errorf("expected no slo_class for untracked route, got %q", logs.String())
	}
}

func TestWithSLOs_Disabled(t *testing.T) {
	logs := captureLog(t)

	r := chi.NewRouter()
	r.Use(Handler(WithCanonlog()))
	r.With(SLO(SLOCritical)).Get("/healthz", func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, nil)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	if !strings.Contains(logs.String(), "route=/healthz") {
		t.Fatalf("expected a canonical log line, got %q", logs.String())
	}
	if strings.Contains(logs.String(), "slo_class") {
		t.Errorf("expected no slo fields without WithSLOs, got %q", logs.String())
	}
}
