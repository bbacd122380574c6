package guard

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/examforge/guard/limiter"
	"github.com/examforge/guard/store"
	"github.com/examforge/guard/verifier"
)

// LimitStatusResponse describes the attempt counter of one quiz.
type LimitStatusResponse struct {
	Identifier string `json:"identifier"`
	Count      int64  `json:"count"`
	Limit      int64  `json:"limit"`
	Remaining  int64  `json:"remaining"`
	ResetAt    string `json:"resetAt"`
}

// LimitStatus returns GET /admin/quizzes/{quizID}/limit. It reads the
// counter without consuming an attempt.
func LimitStatus(lim *limiter.Limiter, policy store.Policy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		quizID := chi.URLParam(r, "quizID")
		id := verifier.Identifier(quizID)
		LogField(r, "quiz_id", quizID)

		d, rec, err := lim.Status(r.Context(), id, policy)
		if err != nil {
			LogError(r, err)
			if errors.Is(err, limiter.ErrStoreUnavailable) {
				SetError(r, ErrServiceUnavailable.With("Rate limit store unavailable"))
			} else {
				SetError(r, ErrInternal)
			}
			return
		}

		SetResponse(r, http.StatusOK, LimitStatusResponse{
			Identifier: id,
			Count:      rec.Count,
			Limit:      d.Limit,
			Remaining:  d.Remaining,
			ResetAt:    d.ResetAt.UTC().Format(time.RFC3339),
		})
	}
}

// ResetLimit returns DELETE /admin/quizzes/{quizID}/limit, which restores the
// full quota of a quiz. Responds 204.
func ResetLimit(lim *limiter.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		quizID := chi.URLParam(r, "quizID")
		LogField(r, "quiz_id", quizID)

		if err := lim.Reset(r.Context(), verifier.Identifier(quizID)); err != nil {
			LogError(r, err)
			SetError(r, ErrServiceUnavailable.With("Rate limit store unavailable"))
			return
		}
		SetResponse(r, http.StatusNoContent, nil)
	}
}

// Healthz answers liveness probes.
func Healthz(w http.ResponseWriter, r *http.Request) {
	SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz answers readiness probes by pinging the attempt store. A nil
// pinger is always ready.
func Readyz(p store.Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			if err := p.Ping(r.Context()); err != nil {
				LogError(r, err)
				SetError(r, ErrServiceUnavailable.With("Rate limit store unavailable"))
				return
			}
		}
		SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
	}
}
