package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// localDevOrigin is allowed when no origins are configured.
const localDevOrigin = "http://localhost:3000"

// CORS allows the vendor dashboard and admin console to call the API from
// the browser. Replay and retry hints are exposed so clients can read them.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{localDevOrigin}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			IdempotencyKeyHeader,
			RequestIDHeader,
		},
		ExposedHeaders:   []string{RequestIDHeader, ReplayedHeader, "Retry-After", "Location"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
