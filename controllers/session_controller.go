package controllers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"couplemode_server/helpers"
	"couplemode_server/models"
	"couplemode_server/services"

	"github.com/gorilla/mux"
	"github.com/skip2/go-qrcode"
)

// SessionController handles session lifecycle requests
type SessionController struct {
	SessionService *services.SessionService
	Timeout        time.Duration
	Logger         *slog.Logger
}

func NewSessionController(sessionService *services.SessionService, timeout time.Duration, logger *slog.Logger) *SessionController {
	return &SessionController{SessionService: sessionService, Timeout: timeout, Logger: logger}
}

func requestContext(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(r.Context(), timeout)
}

// HandleCreateSession creates a pending session owned by the caller
func (c *SessionController) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := helpers.RequireUserID(w, r)
	if !ok {
		return
	}

	ctx, cancel := requestContext(r, c.Timeout)
	defer cancel()

	session, err := c.SessionService.CreateSession(ctx, userID)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSONResponse(w, http.StatusCreated, session)
}

// HandleJoinSession joins the caller to the session holding the posted code
func (c *SessionController) HandleJoinSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := helpers.RequireUserID(w, r)
	if !ok {
		return
	}

	var request struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		c.Logger.Debug("invalid join payload", "error", err)
		helpers.WriteErrorResponse(w, http.StatusBadRequest, "invalid_argument", "Invalid request payload.")
		return
	}

	ctx, cancel := requestContext(r, c.Timeout)
	defer cancel()

	session, err := c.SessionService.JoinSession(ctx, request.Code, userID)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSONResponse(w, http.StatusOK, session)
}

// HandleGetSession returns the session to one of its participants
func (c *SessionController) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := helpers.RequireUserID(w, r)
	if !ok {
		return
	}

	ctx, cancel := requestContext(r, c.Timeout)
	defer cancel()

	session, err := c.SessionService.ParticipantSession(ctx, mux.Vars(r)["sessionId"], userID)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSONResponse(w, http.StatusOK, session)
}

// HandleEndSession completes the session
func (c *SessionController) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := helpers.RequireUserID(w, r)
	if !ok {
		return
	}

	ctx, cancel := requestContext(r, c.Timeout)
	defer cancel()

	session, err := c.SessionService.EndSession(ctx, mux.Vars(r)["sessionId"], userID)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSONResponse(w, http.StatusOK, session)
}

// HandleSnapshot returns the resync snapshot
func (c *SessionController) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, ok := helpers.RequireUserID(w, r)
	if !ok {
		return
	}

	ctx, cancel := requestContext(r, c.Timeout)
	defer cancel()

	snapshot, err := c.SessionService.Snapshot(ctx, mux.Vars(r)["sessionId"], userID)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	helpers.WriteJSONResponse(w, http.StatusOK, snapshot)
}

// HandleSessionQR renders the session code as a PNG QR code so the partner
// can scan it instead of typing it
func (c *SessionController) HandleSessionQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := helpers.RequireUserID(w, r)
	if !ok {
		return
	}

	ctx, cancel := requestContext(r, c.Timeout)
	defer cancel()

	session, err := c.SessionService.ParticipantSession(ctx, mux.Vars(r)["sessionId"], userID)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	if !session.IsOpen() {
		helpers.WriteError(w, models.ErrSessionNotActive)
		return
	}

	png, err := qrcode.Encode(session.Code, qrcode.Medium, 256)
	if err != nil {
		c.Logger.Error("❌ failed to render QR code", "sessionId", session.SessionID, "error", err)
		helpers.WriteErrorResponse(w, http.StatusInternalServerError, "internal_error", "Could not render QR code.")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}
