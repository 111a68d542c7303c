package controllers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"couplemode_server/helpers"
	"couplemode_server/services"

	"github.com/gorilla/mux"
)

// SwipeController handles swipe submissions
type SwipeController struct {
	SwipeService *services.SwipeService
	Timeout      time.Duration
	Logger       *slog.Logger
}

func NewSwipeController(swipeService *services.SwipeService, timeout time.Duration, logger *slog.Logger) *SwipeController {
	return &SwipeController{SwipeService: swipeService, Timeout: timeout, Logger: logger}
}

// HandleRecordSwipe stores the caller's like or dislike for one item
func (c *SwipeController) HandleRecordSwipe(w http.ResponseWriter, r *http.Request) {
	userID, ok := helpers.RequireUserID(w, r)
	if !ok {
		return
	}

	var request struct {
		ItemID string `json:"itemId"`
		Liked  *bool  `json:"liked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		c.Logger.Debug("invalid swipe payload", "error", err)
		helpers.WriteErrorResponse(w, http.StatusBadRequest, "invalid_argument", "Invalid request payload.")
		return
	}
	if request.ItemID == "" || request.Liked == nil {
		helpers.WriteErrorResponse(w, http.StatusBadRequest, "invalid_argument", "itemId and liked are required.")
		return
	}

	ctx, cancel := requestContext(r, c.Timeout)
	defer cancel()

	result, err := c.SwipeService.RecordSwipe(ctx, mux.Vars(r)["sessionId"], userID, request.ItemID, *request.Liked)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}

	status := http.StatusOK
	if result.IsNew {
		status = http.StatusCreated
	}
	helpers.WriteJSONResponse(w, status, result)
}
