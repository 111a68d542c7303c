package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"couplemode_server/models"
	"couplemode_server/storage"
	"couplemode_server/utils"

	"github.com/google/uuid"
)

// SessionService is the session registry.
type SessionService struct {
	store    storage.Store
	events   EventPublisher
	settings Settings
	logger   *slog.Logger

	generateCode utils.CodeGenerator
	now          func() time.Time
}

func NewSessionService(store storage.Store, events EventPublisher, settings Settings, logger *slog.Logger) *SessionService {
	return &SessionService{
		store:        store,
		events:       events,
		settings:     settings.withDefaults(),
		logger:       logger,
		generateCode: utils.GenerateSessionCode,
		now:          time.Now,
	}
}

// CreateSession opens a pending session with a fresh code. A collision on
// the code draws a new one; after CodeAttempts collisions it gives up.
// Infrastructure errors are returned as is: a create whose ack was lost
// cannot be told apart from a collision, so it is not retried blindly.
func (s *SessionService) CreateSession(ctx context.Context, creatorID string) (*models.Session, error) {
	if creatorID == "" {
		return nil, fmt.Errorf("%w: creator id is required", models.ErrInvalidArgument)
	}

	for attempt := 1; attempt <= s.settings.CodeAttempts; attempt++ {
		code, err := s.generateCode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session code: %w", err)
		}

		session := &models.Session{
			SessionID: uuid.NewString(),
			Code:      code,
			CreatorID: creatorID,
			Status:    models.SessionStatusPending,
			CreatedAt: s.now().UTC(),
		}

		err = s.store.CreateSession(ctx, session)
		if err == nil {
			s.logger.Info("✅ session created", "sessionId", session.SessionID, "creatorId", creatorID)
			return session, nil
		}
		if !errors.Is(err, models.ErrCodeTaken) {
			s.logger.Error("❌ failed to create session", "creatorId", creatorID, "error", err)
			return nil, err
		}
		s.logger.Debug("code collision, drawing again", "attempt", attempt)
	}

	s.logger.Error("❌ no free session code", "attempts", s.settings.CodeAttempts)
	return nil, models.ErrCodeSpaceExhausted
}

// JoinSession makes joinerID the partner of the pending session holding
// code. A repeat join by the current partner returns the session unchanged.
func (s *SessionService) JoinSession(ctx context.Context, code, joinerID string) (*models.Session, error) {
	if joinerID == "" {
		return nil, fmt.Errorf("%w: joiner id is required", models.ErrInvalidArgument)
	}
	code = strings.TrimSpace(code)
	if !utils.IsValidSessionCode(code) {
		return nil, models.ErrSessionNotFound
	}

	var expiredBefore time.Time
	if s.settings.SessionTTL > 0 {
		expiredBefore = s.now().Add(-s.settings.SessionTTL)
	}

	var (
		session *models.Session
		changed bool
	)
	uncertain, err := withRetry(ctx, s.settings.StoreRetries, s.logger, "join_session", func() error {
		var err error
		session, changed, err = s.store.JoinSession(ctx, code, joinerID, expiredBefore)
		return err
	})
	if err != nil {
		s.logger.Info("🚫 join rejected", "joinerId", joinerID, "error", err)
		return nil, err
	}

	// After an ambiguous failure, finding ourselves already joined may be the
	// commit of the first attempt, whose event was never sent.
	if changed || uncertain {
		s.logger.Info("🤝 session joined", "sessionId", session.SessionID, "partnerId", joinerID)
		publish(ctx, s.events, s.settings.PublishTimeout, s.logger,
			session.SessionID, models.EventSessionUpdated, joinerID, "", session)
	}
	return session, nil
}

// EndSession completes a pending or active session. When userID is set it
// must be a participant. Ending a terminal session returns it unchanged.
func (s *SessionService) EndSession(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	if userID != "" {
		if _, err := s.ParticipantSession(ctx, sessionID, userID); err != nil {
			return nil, err
		}
	}

	var (
		session *models.Session
		changed bool
	)
	uncertain, err := withRetry(ctx, s.settings.StoreRetries, s.logger, "end_session", func() error {
		var err error
		session, changed, err = s.store.EndSession(ctx, sessionID, s.now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed || (uncertain && session.Status == models.SessionStatusCompleted) {
		s.logger.Info("🏁 session ended", "sessionId", sessionID, "by", userID)
		publish(ctx, s.events, s.settings.PublishTimeout, s.logger,
			sessionID, models.EventSessionUpdated, userID, "", session)
	}
	return session, nil
}

func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, models.ErrSessionNotFound
	}

	var session *models.Session
	_, err := withRetry(ctx, s.settings.StoreRetries, s.logger, "get_session", func() error {
		var err error
		session, err = s.store.GetSession(ctx, sessionID)
		return err
	})
	return session, err
}

// ParticipantSession is GetSession restricted to the two participants.
func (s *SessionService) ParticipantSession(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsParticipant(userID) {
		return nil, models.ErrNotAParticipant
	}
	return session, nil
}

// Snapshot is the resync read. The session (and with it the last issued
// seq) is read before the matches, so every match whose event carries a seq
// at or below Snapshot.Seq is already in Matches.
func (s *SessionService) Snapshot(ctx context.Context, sessionID, userID string) (*models.Snapshot, error) {
	session, err := s.ParticipantSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	var matches []models.Match
	_, err = withRetry(ctx, s.settings.StoreRetries, s.logger, "list_matches", func() error {
		var err error
		matches, err = s.store.ListMatches(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &models.Snapshot{
		Session: *session,
		Matches: matches,
		Seq:     session.LastEventSeq,
	}, nil
}

// ExpireStaleSessions moves pending sessions older than SessionTTL to
// expired and reports how many it moved.
func (s *SessionService) ExpireStaleSessions(ctx context.Context) (int, error) {
	if s.settings.SessionTTL <= 0 {
		return 0, nil
	}

	now := s.now().UTC()
	stale, err := s.store.ListStalePending(ctx, now.Add(-s.settings.SessionTTL))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale sessions: %w", err)
	}

	expired := 0
	for _, candidate := range stale {
		session, changed, err := s.store.ExpireSession(ctx, candidate.SessionID, now)
		if err != nil {
			s.logger.Warn("⚠️ failed to expire session", "sessionId", candidate.SessionID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		expired++
		publish(ctx, s.events, s.settings.PublishTimeout, s.logger,
			session.SessionID, models.EventSessionUpdated, "", "", session)
	}

	if expired > 0 {
		s.logger.Info("⌛ expired stale sessions", "count", expired)
	}
	return expired, nil
}
