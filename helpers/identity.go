package helpers

import (
	"net/http"
	"strings"
)

// UserIDHeader carries the opaque user id set by the identity provider in
// front of this service.
const UserIDHeader = "X-User-ID"

// UserID returns the caller's id, or "" when the request is anonymous.
func UserID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserIDHeader))
}

// RequireUserID writes 401 and returns false for anonymous requests.
func RequireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := UserID(r)
	if userID == "" {
		WriteErrorResponse(w, http.StatusUnauthorized, "unauthenticated", "Missing "+UserIDHeader+" header.")
		return "", false
	}
	return userID, true
}
