package routes

import (
	"log/slog"
	"time"

	"couplemode_server/controllers"

	"github.com/gorilla/mux"
)

// RegisterRoutes sets up the health and welcome routes
func RegisterRoutes(r *mux.Router, store controllers.Pinger, timeout time.Duration, logger *slog.Logger) {
	health := controllers.NewHealthController(store, timeout, logger)

	r.HandleFunc("/health", health.HandleHealth).Methods("GET")
	r.HandleFunc("/welcome", controllers.WelcomeHandler).Methods("GET")
	r.HandleFunc("/", controllers.WelcomeHandler).Methods("GET")
}
