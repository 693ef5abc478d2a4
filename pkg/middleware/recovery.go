package middleware

import (
	"net/http"

	"github.com/kelpielabs/gatehouse/pkg/observability"
)

// Recovery converts handler panics into 500 responses instead of killing
// the process. The panic and stack are logged; the body stays generic.
func Recovery(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer observability.RecoverPanicWithCallback(logger, "http handler "+r.URL.Path, func() {
				writeError(w, http.StatusInternalServerError, "internal error")
			})
			next.ServeHTTP(w, r)
		})
	}
}
