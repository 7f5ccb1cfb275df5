package middleware

import (
	"net/http"
	"time"

	"gatekeeper/pkg/requestcontext"
)

// RequestTime pins "now" for the request so token expiry and session checks
// within one request agree on the time.
func RequestTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
