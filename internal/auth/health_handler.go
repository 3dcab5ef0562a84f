// health_handler.go -- GET /health and GET /security/stats.
package auth

import (
	"errors"
	"net/http"

	"github.com/MGallo-Code/warden/internal/lockout"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/threat"
)

// CheckHealth handles GET /health: pings Postgres and Redis, returns per-dependency status.
// Returns 200 if both are healthy (or Redis is disabled), 503 otherwise.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	redisStatus := "ok"
	postgresStatus := "ok"

	if err := h.RS.CheckHealth(r.Context()); err != nil {
		if errors.Is(err, store.ErrCacheDisabled) {
			redisStatus = "disabled"
		} else {
			logError(r, "redis health check failed", "error", err)
			redisStatus = "error"
		}
	}
	if err := h.PS.CheckHealth(r.Context()); err != nil {
		logError(r, "postgres health check failed", "error", err)
		postgresStatus = "error"
	}

	status := http.StatusOK
	if redisStatus == "error" || postgresStatus == "error" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{postgresStatus, redisStatus})
}

// recentAlertLimit caps the alerts returned by SecurityStats.
const recentAlertLimit = 50

// SecurityStats handles GET /security/stats: threat and lockout aggregates
// plus the most recent alerts.
func (h *AuthHandler) SecurityStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Threats      threat.Stats   `json:"threats"`
		Lockouts     lockout.Stats  `json:"lockouts"`
		RecentAlerts []threat.Alert `json:"recentAlerts"`
	}{
		Threats:      h.Threats.Stats(),
		Lockouts:     h.Lockout.Stats(),
		RecentAlerts: h.Threats.RecentAlerts(recentAlertLimit),
	})
}
