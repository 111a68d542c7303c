package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"couplemode_server/models"
	"couplemode_server/storage"
)

// MatchService is the match detector.
type MatchService struct {
	store    storage.Store
	events   EventPublisher
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

func NewMatchService(store storage.Store, events EventPublisher, settings Settings, logger *slog.Logger) *MatchService {
	return &MatchService{
		store:    store,
		events:   events,
		settings: settings.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// CheckAndCreateMatch is called after likedBy's like on itemID was stored.
// It creates the match when the other participant liked the item too.
// Both racers may get here; the insert-if-absent lets exactly one of them
// create the match and announce it.
func (m *MatchService) CheckAndCreateMatch(ctx context.Context, session *models.Session, itemID, likedBy string) (bool, error) {
	other := session.OtherParticipant(likedBy)
	if other == "" {
		return false, nil
	}

	var decision *models.SwipeDecision
	_, err := withRetry(ctx, m.settings.StoreRetries, m.logger, "get_swipe", func() error {
		var err error
		decision, err = m.store.GetSwipe(ctx, session.SessionID, other, itemID)
		return err
	})
	if errors.Is(err, models.ErrSwipeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !decision.Liked {
		return false, nil
	}

	err = m.createMatch(ctx, session.SessionID, itemID, likedBy)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, models.ErrMatchRaceLost):
		return false, nil
	case errors.Is(err, models.ErrSessionNotActive):
		m.logger.Info("session closed before match was recorded", "sessionId", session.SessionID, "itemId", itemID)
		return false, nil
	default:
		return false, err
	}
}

func (m *MatchService) createMatch(ctx context.Context, sessionID, itemID, actorID string) error {
	match := &models.Match{
		SessionID: sessionID,
		ItemID:    itemID,
		CreatedAt: m.now().UTC(),
	}

	var created bool
	uncertain, err := withRetry(ctx, m.settings.StoreRetries, m.logger, "put_match", func() error {
		var err error
		created, err = m.store.PutMatch(ctx, match)
		return err
	})
	if err != nil {
		return err
	}

	if !created && !uncertain {
		return models.ErrMatchRaceLost
	}

	// After an ambiguous failure "already exists" may be our own first
	// attempt. Conflicts never committed, so they do not get here.
	m.logger.Info("💘 match created", "sessionId", sessionID, "itemId", itemID)
	publish(ctx, m.events, m.settings.PublishTimeout, m.logger,
		sessionID, models.EventMatchCreated, actorID, models.MatchEventID(sessionID, itemID), match)

	if !created {
		return models.ErrMatchRaceLost
	}
	return nil
}

func (m *MatchService) ListMatches(ctx context.Context, sessionID string) ([]models.Match, error) {
	var matches []models.Match
	_, err := withRetry(ctx, m.settings.StoreRetries, m.logger, "list_matches", func() error {
		var err error
		matches, err = m.store.ListMatches(ctx, sessionID)
		return err
	})
	return matches, err
}
