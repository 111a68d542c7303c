package helpers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"couplemode_server/models"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteJSONResponse writes payload as JSON with the given status code.
func WriteJSONResponse(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("❌ failed to encode response", "error", err)
	}
}

// WriteErrorResponse writes a JSON error body with an explicit code.
func WriteErrorResponse(w http.ResponseWriter, status int, code, message string) {
	WriteJSONResponse(w, status, ErrorResponse{Error: code, Message: message})
}

type errorMapping struct {
	err     error
	status  int
	code    string
	message string
}

// Order matters only for wrapped chains carrying several sentinels.
var errorMappings = []errorMapping{
	{models.ErrSessionNotFound, http.StatusNotFound, "session_not_found", "No open session uses this code."},
	{models.ErrSelfJoinRejected, http.StatusConflict, "self_join_rejected", "You created this session. Share the code with your partner instead."},
	{models.ErrSessionAlreadyJoined, http.StatusConflict, "session_already_joined", "Someone else has already joined this session."},
	{models.ErrSessionNotActive, http.StatusConflict, "session_not_active", "This session is not active anymore."},
	{models.ErrNotAParticipant, http.StatusForbidden, "not_a_participant", "You are not part of this session."},
	{models.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument", "The request is missing required fields."},
	{models.ErrCodeSpaceExhausted, http.StatusServiceUnavailable, "code_space_exhausted", "No session code is free right now. Try again shortly."},
	{models.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable", "The service is temporarily unavailable. Try again."},
	{models.ErrTransportUnavailable, http.StatusServiceUnavailable, "transport_unavailable", "Live updates are temporarily unavailable."},
}

// StatusForError maps a service error to its HTTP status and error code.
func StatusForError(err error) (int, string, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code, m.message
		}
	}
	return http.StatusInternalServerError, "internal_error", "Something went wrong."
}

// WriteError maps err onto the error taxonomy and writes it.
func WriteError(w http.ResponseWriter, err error) {
	status, code, message := StatusForError(err)
	if status == http.StatusInternalServerError {
		slog.Error("❌ unhandled error", "error", err)
	}
	WriteErrorResponse(w, status, code, message)
}
