package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger logs each upgrade attempt. It runs before the auth
// middleware so rejected handshakes still leave a trace; the token itself
// is never logged, only whether one was presented.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			var ip string
			if ok {
				ip = reqMeta.IP
			}

			logger.Debug("Upgrade requested",
				slog.String("path", r.URL.Path),
				slog.String("ip", ip),
				slog.Bool("hasToken", bearerToken(r) != ""),
			)
			next.ServeHTTP(w, r)
		})
	}
}
