package socket

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"couplemode_server/helpers"
	"couplemode_server/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Frame is what the stream writes: the snapshot first, then events.
type Frame struct {
	Type     string           `json:"type"`
	Snapshot *models.Snapshot `json:"snapshot,omitempty"`
	Event    *models.Event    `json:"event,omitempty"`
}

// StreamHandler serves /api/sessions/{sessionId}/ws.
type StreamHandler struct {
	snapshots SnapshotReader
	events    EventSource
	timeout   time.Duration
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewStreamHandler builds the WebSocket endpoint. allowedOrigins empty or
// containing "*" accepts any origin.
func NewStreamHandler(snapshots SnapshotReader, events EventSource, timeout time.Duration, allowedOrigins []string, logger *slog.Logger) *StreamHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StreamHandler{
		snapshots: snapshots,
		events:    events,
		timeout:   timeout,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(set) == 0 || set[origin]
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on a WebSocket handshake.
	userID := helpers.UserID(r)
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}
	if userID == "" {
		helpers.WriteErrorResponse(w, http.StatusUnauthorized, "unauthenticated", "Missing "+helpers.UserIDHeader+" header.")
		return
	}
	sessionID := mux.Vars(r)["sessionId"]

	readCtx, cancelRead := context.WithTimeout(r.Context(), h.timeout)
	defer cancelRead()
	if _, err := h.snapshots.ParticipantSession(readCtx, sessionID, userID); err != nil {
		helpers.WriteError(w, err)
		return
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe before reading the snapshot so nothing falls in between.
	events, err := h.events.Subscribe(streamCtx, sessionID)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}
	snapshot, err := h.snapshots.Snapshot(readCtx, sessionID, userID)
	if err != nil {
		helpers.WriteError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("⚠️ websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	go h.readPump(conn, cancel)
	h.writePump(streamCtx, conn, snapshot, events)
	h.logger.Debug("stream closed", "sessionId", sessionID, "userId", userID)
}

// readPump only exists to notice the client going away and to answer pings.
func (h *StreamHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHandler) writePump(ctx context.Context, conn *websocket.Conn, snapshot *models.Snapshot, events <-chan models.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Frame{Type: "snapshot", Snapshot: snapshot}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Seq <= snapshot.Seq {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(Frame{Type: "event", Event: &event}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
