package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	request "dossier/pkg/platform/middleware/request"
)

const (
	HeaderAdminToken    = "X-Admin-Token"
	HeaderCallbackToken = "X-Callback-Token"
)

// RequireAdminToken guards operator endpoints such as notification re-drive.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return RequireSharedSecret(HeaderAdminToken, expectedToken, "admin token required", logger)
}

// RequireSharedSecret compares a header against a static secret in constant
// time. An empty expected secret rejects every request.
func RequireSharedSecret(header, expected, description string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(header)
			if expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
				ctx := r.Context()
				logger.WarnContext(ctx, "shared secret mismatch",
					"header", header,
					"request_id", request.GetRequestID(ctx),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"` + description + `"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
