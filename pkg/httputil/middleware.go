package httputil

import (
	"net/http"
	"strings"
)

// Chain chains multiple middleware together
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// RequireJSON enforces a JSON content type on POST, PUT, and PATCH bodies.
// Requests whose path starts with an exempt prefix pass through untouched,
// for routes that accept raw uploads.
func RequireJSON(exemptPrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				exempt := false
				for _, p := range exemptPrefixes {
					if strings.HasPrefix(r.URL.Path, p) {
						exempt = true
						break
					}
				}
				contentType := r.Header.Get("Content-Type")
				if !exempt && contentType != "" && !strings.HasPrefix(contentType, "application/json") {
					WriteBadRequest(w, "Content-Type must be application/json")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBytesMiddleware limits the size of request bodies
func MaxBytesMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
