package guard

import (
	"context"
	"net/http"
	"time"
)

// SLOTier classifies a route by its latency objective.
type SLOTier string

const (
	// SLOCritical: 50ms. Health checks and other probes.
	SLOCritical SLOTier = "critical"

	// SLOHighFast: 100ms. Interactive requests that do not hash.
	SLOHighFast SLOTier = "high_fast"

	// SLOHighSlow: 1000ms. Interactive requests that may run bcrypt.
	SLOHighSlow SLOTier = "high_slow"

	// SLOLow: 5000ms. Administrative requests.
	SLOLow SLOTier = "low"
)

var sloTargets = map[SLOTier]time.Duration{
	SLOCritical: 50 * time.Millisecond,
	SLOHighFast: 100 * time.Millisecond,
	SLOHighSlow: 1000 * time.Millisecond,
	SLOLow:      5000 * time.Millisecond,
}

type sloContextKey string

const sloConfigKey sloContextKey = "slo_config"

type sloConfig struct {
	tier   SLOTier
	target time.Duration
}

// SLO tags requests with tier so Handler(WithSLOs()) can log PASS or FAIL.
// The tier is recorded on the Handler state, so SLO may sit anywhere below
// Handler in the middleware chain.
func SLO(tier SLOTier) func(http.Handler) http.Handler {
	cfg := &sloConfig{tier: tier, target: sloTargets[tier]}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if state := getState(r.Context()); state != nil {
				state.mu.Lock()
				state.slo = cfg
				state.mu.Unlock()
			}
			ctx := context.WithValue(r.Context(), sloConfigKey, cfg)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSLO retrieves the SLO tier and target from context.
// Handler's own context only sees it through the request state.
func GetSLO(ctx context.Context) (SLOTier, time.Duration, bool) {
	if cfg, ok := ctx.Value(sloConfigKey).(*sloConfig); ok {
		return cfg.tier, cfg.target, true
	}
	state := getState(ctx)
	if state == nil {
		return "", 0, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.slo == nil {
		return "", 0, false
	}
	return state.slo.tier, state.slo.target, true
}
