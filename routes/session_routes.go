package routes

import (
	"log/slog"
	"net/http"
	"time"

	"couplemode_server/controllers"
	"couplemode_server/services"

	"github.com/gorilla/mux"
)

// RegisterSessionRoutes sets up session lifecycle routes under /api/sessions
func RegisterSessionRoutes(r *mux.Router, sessionService *services.SessionService, timeout time.Duration, logger *slog.Logger) {
	controller := controllers.NewSessionController(sessionService, timeout, logger)

	r.HandleFunc("/api/sessions", controller.HandleCreateSession).Methods("POST")
	r.HandleFunc("/api/sessions/join", controller.HandleJoinSession).Methods("POST")
	r.HandleFunc("/api/sessions/{sessionId}", controller.HandleGetSession).Methods("GET")
	r.HandleFunc("/api/sessions/{sessionId}/end", controller.HandleEndSession).Methods("POST")
	r.HandleFunc("/api/sessions/{sessionId}/snapshot", controller.HandleSnapshot).Methods("GET")
	r.HandleFunc("/api/sessions/{sessionId}/qr", controller.HandleSessionQR).Methods("GET")
}

// RegisterSwipeRoutes sets up the swipe submission route
func RegisterSwipeRoutes(r *mux.Router, swipeService *services.SwipeService, timeout time.Duration, logger *slog.Logger) {
	controller := controllers.NewSwipeController(swipeService, timeout, logger)

	r.HandleFunc("/api/sessions/{sessionId}/swipes", controller.HandleRecordSwipe).Methods("POST")
}

// RegisterMatchRoutes sets up the match listing route
func RegisterMatchRoutes(r *mux.Router, sessionService *services.SessionService, matchService *services.MatchService, timeout time.Duration, logger *slog.Logger) {
	controller := controllers.NewMatchController(sessionService, matchService, timeout, logger)

	r.HandleFunc("/api/sessions/{sessionId}/matches", controller.HandleGetMatches).Methods("GET")
}

// RegisterStreamRoutes mounts the per-session WebSocket event stream
func RegisterStreamRoutes(r *mux.Router, stream http.Handler) {
	r.Handle("/api/sessions/{sessionId}/ws", stream).Methods("GET")
}
