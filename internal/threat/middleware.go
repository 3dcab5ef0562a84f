package threat

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Origin returns the client IP for r. Run after TrustedRealIP so trusted proxies are honoured.
func Origin(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

// Middleware inspects every request and rejects it with 429 when the detector says to block.
func (d *Detector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := d.Inspect(r.Context(), Request{
			Origin:    Origin(r),
			UserAgent: r.UserAgent(),
			Method:    r.Method,
			Path:      r.URL.Path,
		})
		if res.ShouldBlock {
			d.metrics.BlockedRequest()
			slog.Warn("request blocked",
				"ip", Origin(r),
				"method", r.Method,
				"path", r.URL.Path,
				"threats", len(res.Threats),
			)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "3600")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"Too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
