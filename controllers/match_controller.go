package controllers

import (
	"log/slog"
	"net/http"
	"time"

	"couplemode_server/helpers"
	"couplemode_server/services"

	"github.com/gorilla/mux"
)

// MatchController handles HTTP requests for session matches
type MatchController struct {
	SessionService *services.SessionService
	MatchService   *services.MatchService
	Timeout        time.Duration
	Logger         *slog.Logger
}

func NewMatchController(sessionService *services.SessionService, matchService *services.MatchService, timeout time.Duration, logger *slog.Logger) *MatchController {
	return &MatchController{SessionService: sessionService, MatchService: matchService, Timeout: timeout, Logger: logger}
}

// HandleGetMatches lists the session's matches for one of its participants
func (c *MatchController) HandleGetMatches(w http.ResponseWriter, r *http.Request) {
	userID, ok := helpers.RequireUserID(w, r)
	if !ok {
		return
	}

	ctx, cancel := requestContext(r, c.Timeout)
	defer cancel()

	sessionID := mux.Vars(r)["sessionId"]
	if _, err := c.SessionService.ParticipantSession(ctx, sessionID, userID); err != nil {
		helpers.WriteError(w, err)
		return
	}

	matches, err := c.MatchService.ListMatches(ctx, sessionID)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSONResponse(w, http.StatusOK, map[string]interface{}{
		"matches": matches,
	})
}
