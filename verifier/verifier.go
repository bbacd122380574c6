// Package verifier checks submitted quiz passwords behind a rate limiter.
//
// Checks run in a fixed order: input validation, quiz lookup and
// applicability, then the limiter, then the comparison. Nothing before the
// limiter consumes an attempt, so probing unknown or unprotected quizzes
// leaves no trace in limiter state.
package verifier

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/examforge/guard/limiter"
	"github.com/examforge/guard/metrics"
	"github.com/examforge/guard/quiz"
	"github.com/examforge/guard/store"
)

// ErrSecretRequired is returned when no password was submitted.
var ErrSecretRequired = errors.New("password is required")

// IdentifierPrefix scopes verification counters in the limiter store.
const IdentifierPrefix = "verify:"

// Outcome is the result class of a verification.
type Outcome int

const (
	AdmittedValid Outcome = iota + 1
	AdmittedInvalid
	DeniedRateLimited
	DeniedNotApplicable
)

func (o Outcome) String() string {
	switch o {
	case AdmittedValid:
		return "admitted_valid"
	case AdmittedInvalid:
		return "admitted_invalid"
	case DeniedRateLimited:
		return "denied_rate_limited"
	case DeniedNotApplicable:
		return "denied_not_applicable"
	default:
		return "unknown"
	}
}

// Reason explains a DeniedNotApplicable outcome.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNotFound
	ReasonNotPublished
	ReasonNoPassword
)

func (r Reason) String() string {
	switch r {
	case ReasonNotFound:
		return "not_found"
	case ReasonNotPublished:
		return "not_published"
	case ReasonNoPassword:
		return "no_password"
	default:
		return ""
	}
}

// Result is the outcome of one Verify call. RemainingAttempts, Limit and
// ResetAt are set whenever the limiter was consulted.
type Result struct {
	Outcome           Outcome
	Reason            Reason
	Limit             int64
	RemainingAttempts int64
	ResetAt           time.Time
}

// LimiterConsulted reports whether the call reached the rate limiter.
func (r Result) LimiterConsulted() bool {
	return r.Outcome == AdmittedValid || r.Outcome == AdmittedInvalid || r.Outcome == DeniedRateLimited
}

// Verifier checks quiz passwords.
type Verifier struct {
	quizzes quiz.Repository
	limiter *limiter.Limiter
	policy  store.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithMetrics records verification outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) {
		v.metrics = m
	}
}

// New creates a Verifier that consumes one attempt per applicable call from
// lim under policy.
func New(quizzes quiz.Repository, lim *limiter.Limiter, policy store.Policy, opts ...Option) *Verifier {
	v := &Verifier{
		quizzes: quizzes,
		limiter: lim,
		policy:  policy,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Policy returns the policy attempts are counted under.
func (v *Verifier) Policy() store.Policy {
	return v.policy
}

// Identifier returns the limiter identifier for quizID.
func Identifier(quizID string) string {
	return IdentifierPrefix + quizID
}

// Verify checks submitted against the password of quiz quizID.
//
// Errors are reserved for ErrSecretRequired, limiter.ErrStoreUnavailable
// (wrapped) and repository failures; every other case is a Result.
func (v *Verifier) Verify(ctx context.Context, quizID, submitted string) (Result, error) {
	if submitted == "" {
		return Result{}, ErrSecretRequired
	}

	q, err := v.quizzes.FindByID(ctx, quizID)
	if errors.Is(err, quiz.ErrNotFound) {
		return v.finish(ctx, quizID, Result{Outcome: DeniedNotApplicable, Reason: ReasonNotFound}), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to load quiz: %w", err)
	}
	if !q.Published() {
		return v.finish(ctx, quizID, Result{Outcome: DeniedNotApplicable, Reason: ReasonNotPublished}), nil
	}
	if !q.RequiresPassword() {
		return v.finish(ctx, quizID, Result{Outcome: DeniedNotApplicable, Reason: ReasonNoPassword}), nil
	}

	d, err := v.limiter.Check(ctx, Identifier(quizID), v.policy)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Limit:             d.Limit,
		RemainingAttempts: d.Remaining,
		ResetAt:           d.ResetAt,
	}

	switch {
	case !d.Allowed:
		res.Outcome = DeniedRateLimited
	case SecretsEqual(q.Password, submitted):
		res.Outcome = AdmittedValid
	default:
		res.Outcome = AdmittedInvalid
	}

	return v.finish(ctx, quizID, res), nil
}

func (v *Verifier) finish(ctx context.Context, quizID string, res Result) Result {
	v.metrics.IncrementVerify(res.Outcome.String())

	switch res.Outcome {
	case DeniedRateLimited:
		v.logger.WarnContext(ctx, "quiz password attempts exhausted",
			"quiz_id", quizID,
			"reset_at", res.ResetAt,
		)
	case AdmittedInvalid:
		v.logger.DebugContext(ctx, "incorrect quiz password",
			"quiz_id", quizID,
			"remaining_attempts", res.RemainingAttempts,
		)
	}
	return res
}

// SecretsEqual compares a submitted password with the stored value in time
// independent of where they differ. bcrypt hashes are checked with bcrypt;
// plaintext values are compared as SHA-256 digests so length does not leak either.
func SecretsEqual(stored, submitted string) bool {
	if quiz.IsHashed(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(submitted)) == nil
	}

	a := sha256.Sum256([]byte(stored))
	b := sha256.Sum256([]byte(submitted))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
