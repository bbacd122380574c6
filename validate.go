package guard

import (
	"mime"
	"net/http"
	"strings"
)

// MaxBodySize returns middleware that limits request body size.
//
// Requests whose Content-Length exceeds maxBytes are rejected with 413
// before the handler runs. Every body is also wrapped with
// http.MaxBytesReader so chunked uploads are cut off during decode, where
// JSON reports them as 413 too.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				if HasState(r.Context()) {
					SetError(r, ErrPayloadTooLarge.With("Request body too large"))
				} else {
					http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
				}
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// RequireContentType returns middleware that rejects requests whose
// Content-Type media type is not one of allowed with 415. Parameters such as
// charset are ignored and comparison is case-insensitive.
func RequireContentType(allowed ...string) func(http.Handler) http.Handler {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[strings.ToLower(a)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if _, ok := set[strings.ToLower(mediaType)]; err != nil || !ok {
				msg := "Content-Type must be one of: " + strings.Join(allowed, ", ")
				if HasState(r.Context()) {
					SetError(r, ErrUnsupportedMediaType.With(msg))
				} else {
					http.Error(w, msg, http.StatusUnsupportedMediaType)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
