package socket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"couplemode_server/helpers"
	"couplemode_server/models"

	socketio "github.com/googollee/go-socket.io"
)

// SnapshotReader authorizes participants and serves their resync read.
type SnapshotReader interface {
	ParticipantSession(ctx context.Context, sessionID, userID string) (*models.Session, error)
	Snapshot(ctx context.Context, sessionID, userID string) (*models.Snapshot, error)
}

// EventSource streams a session channel.
type EventSource interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan models.Event, error)
}

// SubscribeRequest is the payload of the "subscribe" event.
type SubscribeRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type connState struct {
	mu       sync.Mutex
	userID   string
	sessions map[string]bool
}

// relay forwards one session channel into its socket.io room. It lives as
// long as at least one connection on this instance is in the room.
type relay struct {
	refs   int
	cancel context.CancelFunc
}

// Server fans session events out to socket.io rooms, one room per session.
type Server struct {
	IO *socketio.Server

	snapshots SnapshotReader
	events    EventSource
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	relays map[string]*relay
}

func roomName(sessionID string) string {
	return "session:" + sessionID
}

// NewSocketServer initializes and returns a new Socket.IO server
func NewSocketServer(snapshots SnapshotReader, events EventSource, timeout time.Duration, logger *slog.Logger) *Server {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &Server{
		IO:        socketio.NewServer(nil),
		snapshots: snapshots,
		events:    events,
		timeout:   timeout,
		logger:    logger,
		relays:    make(map[string]*relay),
	}

	s.IO.OnConnect("/", func(c socketio.Conn) error {
		c.SetContext(&connState{sessions: make(map[string]bool)})
		s.logger.Debug("✅ socket connected", "id", c.ID())
		return nil
	})

	s.IO.OnEvent("/", "subscribe", s.handleSubscribe)

	s.IO.OnError("/", func(c socketio.Conn, err error) {
		s.logger.Warn("⚠️ socket error", "error", err)
	})

	s.IO.OnDisconnect("/", func(c socketio.Conn, reason string) {
		s.logger.Debug("socket disconnected", "id", c.ID(), "reason", reason)
		state, ok := c.Context().(*connState)
		if !ok {
			return
		}
		state.mu.Lock()
		defer state.mu.Unlock()
		for sessionID := range state.sessions {
			s.release(sessionID)
		}
		state.sessions = map[string]bool{}
	})

	return s
}

// handleSubscribe joins the session room and then sends the snapshot.
// Joining first means no event can fall between the snapshot and the
// stream; the client drops events whose seq is not above snapshot.seq.
func (s *Server) handleSubscribe(c socketio.Conn, req SubscribeRequest) {
	if req.SessionID == "" || req.UserID == "" {
		c.Emit("subscribe_error", helpers.ErrorResponse{Error: "invalid_argument", Message: "sessionId and userId are required."})
		return
	}
	state, ok := c.Context().(*connState)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.snapshots.ParticipantSession(ctx, req.SessionID, req.UserID); err != nil {
		s.emitError(c, err)
		return
	}

	state.mu.Lock()
	if state.userID != "" && state.userID != req.UserID {
		state.mu.Unlock()
		c.Emit("subscribe_error", helpers.ErrorResponse{Error: "invalid_argument", Message: "A connection serves a single user."})
		return
	}
	state.userID = req.UserID
	first := !state.sessions[req.SessionID]
	if first {
		if err := s.acquire(req.SessionID); err != nil {
			state.mu.Unlock()
			s.emitError(c, err)
			return
		}
		state.sessions[req.SessionID] = true
		c.Join(roomName(req.SessionID))
	}
	state.mu.Unlock()

	snapshot, err := s.snapshots.Snapshot(ctx, req.SessionID, req.UserID)
	if err != nil {
		s.emitError(c, err)
		return
	}
	c.Emit("snapshot", snapshot)
	s.logger.Info("👥 subscribed", "sessionId", req.SessionID, "userId", req.UserID)
}

func (s *Server) emitError(c socketio.Conn, err error) {
	_, code, message := helpers.StatusForError(err)
	c.Emit("subscribe_error", helpers.ErrorResponse{Error: code, Message: message})
}

// acquire starts the relay for sessionID on first use.
func (s *Server) acquire(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.relays[sessionID]; ok {
		r.refs++
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.events.Subscribe(ctx, sessionID)
	if err != nil {
		cancel()
		return err
	}
	s.relays[sessionID] = &relay{refs: 1, cancel: cancel}

	go func() {
		room := roomName(sessionID)
		for event := range ch {
			s.IO.BroadcastToRoom("/", room, event.Type, event)
		}
	}()
	return nil
}

func (s *Server) release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.relays[sessionID]
	if !ok {
		return
	}
	r.refs--
	if r.refs <= 0 {
		r.cancel()
		delete(s.relays, sessionID)
	}
}

// ActiveRelays reports how many sessions currently have a relay.
func (s *Server) ActiveRelays() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.relays)
}

// Serve runs the socket.io server until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.IO.Serve() }()

	select {
	case <-ctx.Done():
		s.mu.Lock()
		for id, r := range s.relays {
			r.cancel()
			delete(s.relays, id)
		}
		s.mu.Unlock()
		return s.IO.Close()
	case err := <-errCh:
		return err
	}
}
