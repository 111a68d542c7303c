package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"couplemode_server/events"
	"couplemode_server/helpers"
	"couplemode_server/models"
	"couplemode_server/services"
	"couplemode_server/storage"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type downStore struct {
	storage.Store
}

func (downStore) Ping(context.Context) error {
	return fmt.Errorf("%w: connection refused", models.ErrStoreUnavailable)
}

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	return newTestRouterWithStore(t, storage.NewMemoryStore())
}

func newTestRouterWithStore(t *testing.T, store storage.Store) *mux.Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pubsub, err := events.NewPubSub(context.Background(), events.Config{Provider: events.ProviderGoChannel}, nil)
	require.NoError(t, err)
	broadcaster := events.NewBroadcaster(pubsub, store, "test", logger)
	t.Cleanup(func() { _ = broadcaster.Close() })

	settings := services.Settings{SessionTTL: time.Hour}
	sessions := services.NewSessionService(store, broadcaster, settings, logger)
	matches := services.NewMatchService(store, broadcaster, settings, logger)
	swipes := services.NewSwipeService(store, broadcaster, matches, settings, logger)

	r := mux.NewRouter()
	RegisterSessionRoutes(r, sessions, time.Second, logger)
	RegisterSwipeRoutes(r, swipes, time.Second, logger)
	RegisterMatchRoutes(r, sessions, matches, time.Second, logger)
	RegisterRoutes(r, store, time.Second, logger)
	return r
}

func do(t *testing.T, r http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set(helpers.UserIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func activeSession(t *testing.T, r http.Handler) models.Session {
	t.Helper()
	rec := do(t, r, http.MethodPost, "/api/sessions", "alice", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[models.Session](t, rec)

	rec = do(t, r, http.MethodPost, "/api/sessions/join", "bob", map[string]string{"code": created.Code})
	require.Equal(t, http.StatusOK, rec.Code)
	joined := decode[models.Session](t, rec)
	require.Equal(t, models.SessionStatusActive, joined.Status)
	return joined
}

func TestRoutes_Health(t *testing.T) {
	r := newTestRouter(t)
	rec := do(t, r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["store"])

	r = newTestRouterWithStore(t, downStore{Store: storage.NewMemoryStore()})
	rec = do(t, r, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", decode[map[string]string](t, rec)["status"])
}

func TestRoutes_RequiresIdentity(t *testing.T) {
	r := newTestRouter(t)
	rec := do(t, r, http.MethodPost, "/api/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decode[helpers.ErrorResponse](t, rec).Error)
}

func TestRoutes_FullSession(t *testing.T) {
	r := newTestRouter(t)
	session := activeSession(t, r)
	base := "/api/sessions/" + session.SessionID

	rec := do(t, r, http.MethodPost, base+"/swipes", "alice", map[string]any{"itemId": "dish-1", "liked": true})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, decode[models.SwipeResult](t, rec).IsNew)

	rec = do(t, r, http.MethodPost, base+"/swipes", "alice", map[string]any{"itemId": "dish-1", "liked": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[models.SwipeResult](t, rec).IsNew)

	rec = do(t, r, http.MethodPost, base+"/swipes", "bob", map[string]any{"itemId": "dish-1", "liked": true})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, r, http.MethodGet, base+"/matches", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Matches []models.Match `json:"matches"`
	}](t, rec)
	require.Len(t, listed.Matches, 1)
	assert.Equal(t, "dish-1", listed.Matches[0].ItemID)

	rec = do(t, r, http.MethodGet, base+"/snapshot", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[models.Snapshot](t, rec)
	assert.Len(t, snap.Matches, 1)
	assert.Positive(t, snap.Seq)

	rec = do(t, r, http.MethodPost, base+"/end", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.SessionStatusCompleted, decode[models.Session](t, rec).Status)

	rec = do(t, r, http.MethodPost, base+"/swipes", "alice", map[string]any{"itemId": "dish-2", "liked": true})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "session_not_active", decode[helpers.ErrorResponse](t, rec).Error)
}

func TestRoutes_JoinFailures(t *testing.T) {
	r := newTestRouter(t)

	rec := do(t, r, http.MethodPost, "/api/sessions", "alice", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	code := decode[models.Session](t, rec).Code

	rec = do(t, r, http.MethodPost, "/api/sessions/join", "alice", map[string]string{"code": code})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "self_join_rejected", decode[helpers.ErrorResponse](t, rec).Error)

	rec = do(t, r, http.MethodPost, "/api/sessions/join", "bob", map[string]string{"code": code})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/sessions/join", "carol", map[string]string{"code": code})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "session_already_joined", decode[helpers.ErrorResponse](t, rec).Error)

	rec = do(t, r, http.MethodPost, "/api/sessions/join", "carol", map[string]string{"code": "12ab"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutes_SwipeValidation(t *testing.T) {
	r := newTestRouter(t)
	session := activeSession(t, r)
	base := "/api/sessions/" + session.SessionID

	rec := do(t, r, http.MethodPost, base+"/swipes", "alice", map[string]any{"itemId": "dish-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, base+"/swipes", "carol", map[string]any{"itemId": "dish-1", "liked": true})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRoutes_Outsiders(t *testing.T) {
	r := newTestRouter(t)
	session := activeSession(t, r)

	rec := do(t, r, http.MethodGet, "/api/sessions/"+session.SessionID, "carol", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/sessions/does-not-exist", "carol", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutes_SessionQR(t *testing.T) {
	r := newTestRouter(t)

	rec := do(t, r, http.MethodPost, "/api/sessions", "alice", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	session := decode[models.Session](t, rec)

	rec = do(t, r, http.MethodGet, "/api/sessions/"+session.SessionID+"/qr", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))
}
