package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kelpielabs/gatehouse/pkg/contextkeys"
)

// RequestIDHeader is the header a caller may use to supply its own request
// ID, and the header the response echoes the ID back on.
const RequestIDHeader = "X-Request-ID"

// RequestID stamps every request with an ID and a start timestamp. Runs
// first so the ID is available to logging, auditing, and the latency budget.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		ctx := contextkeys.WithRequestID(r.Context(), id)
		ctx = context.WithValue(ctx, contextkeys.RequestStartTimeKey, time.Now())

		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
