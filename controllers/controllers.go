package controllers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"couplemode_server/helpers"
)

// Pinger is a dependency the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthController reports readiness: healthy only while the store answers.
type HealthController struct {
	Store   Pinger
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewHealthController(store Pinger, timeout time.Duration, logger *slog.Logger) *HealthController {
	return &HealthController{Store: store, Timeout: timeout, Logger: logger}
}

// HandleHealth pings the store
func (c *HealthController) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r, c.Timeout)
	defer cancel()

	if err := c.Store.Ping(ctx); err != nil {
		c.Logger.Warn("⚠️ health check failed", "error", err)
		helpers.WriteJSONResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "store": "unreachable"})
		return
	}
	helpers.WriteJSONResponse(w, http.StatusOK, map[string]string{"status": "healthy", "store": "ok"})
}

// WelcomeHandler provides a welcome message
func WelcomeHandler(w http.ResponseWriter, r *http.Request) {
	helpers.WriteJSONResponse(w, http.StatusOK, map[string]string{"message": "Welcome to the couple mode API."})
}
