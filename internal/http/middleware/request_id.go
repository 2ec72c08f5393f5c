package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/clipjoint/renderd/internal/observability"
)

// RequestIDHeader carries the request ID on both requests and responses.
const RequestIDHeader = "X-Request-ID"

// RequestID tags each request with an ID for log correlation. A caller
// supplied X-Request-ID is kept; otherwise a fresh UUID is issued. The ID
// is echoed on the response so clients can quote it when reporting issues.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := observability.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
