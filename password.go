package guard

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/examforge/guard/limiter"
	"github.com/examforge/guard/verifier"
)

// VerifyPasswordRequest is the body of POST /api/quizzes/{quizID}/verify-password.
type VerifyPasswordRequest struct {
	Password string `json:"password" validate:"required,max=256"`
}

// VerifyPasswordSuccess is returned with 200 when the password matches.
type VerifyPasswordSuccess struct {
	Success bool `json:"success"`
}

// VerifyPasswordFailure is the flat error body of the verify endpoint.
type VerifyPasswordFailure struct {
	Error             string `json:"error"`
	RemainingAttempts *int64 `json:"remainingAttempts,omitempty"`
	ResetAt           string `json:"resetAt,omitempty"`
}

// VerifyPassword returns the handler for quiz password checks. The quiz ID
// is read from the {quizID} route parameter.
//
//	200 {"success": true}
//	401 {"error": "Incorrect password", "remainingAttempts": n}
//	429 {"error": "Too many attempts", "resetAt": "..."} with Retry-After
//	404 {"error": "Quiz not found"}
//	400 {"error": "Password not required"}
//
// Responses where the limiter was consulted also carry RateLimit-* headers.
// Must be mounted under Handler.
func VerifyPassword(v *verifier.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		quizID := chi.URLParam(r, "quizID")
		LogField(r, "quiz_id", quizID)

		var req VerifyPasswordRequest
		if !JSON(r, &req) {
			return
		}

		res, err := v.Verify(r.Context(), quizID, req.Password)
		switch {
		case errors.Is(err, verifier.ErrSecretRequired):
			SetError(r, ErrBadRequest.With("Password is required"))
			return
		case errors.Is(err, limiter.ErrStoreUnavailable):
			SetError(r, ErrServiceUnavailable.With("Password checks are temporarily unavailable"))
			return
		case err != nil:
			LogError(r, err)
			SetError(r, ErrInternal)
			return
		}

		LogField(r, "outcome", res.Outcome.String())

		if res.LimiterConsulted() {
			LogField(r, "remaining_attempts", res.RemainingAttempts)
			setRateLimitHeaders(r, limiter.Decision{
				Limit:     res.Limit,
				Remaining: res.RemainingAttempts,
				ResetAt:   res.ResetAt,
			})
		}

		switch res.Outcome {
		case verifier.AdmittedValid:
			SetResponse(r, http.StatusOK, VerifyPasswordSuccess{Success: true})

		case verifier.AdmittedInvalid:
			remaining := res.RemainingAttempts
			SetResponse(r, http.StatusUnauthorized, VerifyPasswordFailure{
				Error:             "Incorrect password",
				RemainingAttempts: &remaining,
			})

		case verifier.DeniedRateLimited:
			SetHeader(r, "Retry-After", retryAfterSeconds(limiter.Decision{ResetAt: res.ResetAt}))
			SetResponse(r, http.StatusTooManyRequests, VerifyPasswordFailure{
				Error:   "Too many attempts",
				ResetAt: res.ResetAt.UTC().Format(time.RFC3339),
			})

		case verifier.DeniedNotApplicable:
			LogField(r, "reason", res.Reason.String())
			if res.Reason == verifier.ReasonNoPassword {
				SetResponse(r, http.StatusBadRequest, VerifyPasswordFailure{Error: "Password not required"})
			} else {
				SetResponse(r, http.StatusNotFound, VerifyPasswordFailure{Error: "Quiz not found"})
			}
		}
	}
}
