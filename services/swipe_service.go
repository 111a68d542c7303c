package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"couplemode_server/models"
	"couplemode_server/storage"
)

// SwipeService is the swipe recorder.
type SwipeService struct {
	store    storage.Store
	events   EventPublisher
	matches  *MatchService
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

func NewSwipeService(store storage.Store, events EventPublisher, matches *MatchService, settings Settings, logger *slog.Logger) *SwipeService {
	return &SwipeService{
		store:    store,
		events:   events,
		matches:  matches,
		settings: settings.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// RecordSwipe stores userID's decision on itemID once. Repeats report
// IsNew=false and change nothing; the first decision stands.
//
// When a retry inside this call leaves it unclear whether the duplicate it
// found is its own first attempt, the call finishes the work that attempt
// owed: the partner_swiped event and, for a stored like, the match check.
// Both are idempotent.
func (s *SwipeService) RecordSwipe(ctx context.Context, sessionID, userID, itemID string, liked bool) (*models.SwipeResult, error) {
	if userID == "" || itemID == "" {
		return nil, fmt.Errorf("%w: user id and item id are required", models.ErrInvalidArgument)
	}

	session, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsParticipant(userID) {
		return nil, models.ErrNotAParticipant
	}
	if session.Status != models.SessionStatusActive {
		return nil, models.ErrSessionNotActive
	}

	decision := &models.SwipeDecision{
		SessionID:  sessionID,
		UserID:     userID,
		ItemID:     itemID,
		Liked:      liked,
		RecordedAt: s.now().UTC(),
	}

	var isNew bool
	uncertain, err := withRetry(ctx, s.settings.StoreRetries, s.logger, "put_swipe", func() error {
		var err error
		isNew, err = s.store.PutSwipe(ctx, decision)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !isNew && !uncertain {
		return &models.SwipeResult{IsNew: false}, nil
	}

	s.logger.Debug("👉 swipe recorded", "sessionId", sessionID, "userId", userID, "itemId", itemID, "liked", liked)
	publish(ctx, s.events, s.settings.PublishTimeout, s.logger,
		sessionID, models.EventPartnerSwiped, userID, "", models.PartnerSwipedPayload{ItemID: itemID})

	if !liked {
		return &models.SwipeResult{IsNew: isNew}, nil
	}

	// Only an uncertain duplicate gets here; the stored decision is the one
	// that counts.
	if !isNew {
		likedBefore, err := s.storedLike(ctx, sessionID, userID, itemID)
		if err != nil {
			return nil, err
		}
		if !likedBefore {
			return &models.SwipeResult{IsNew: false}, nil
		}
	}

	if _, err := s.matches.CheckAndCreateMatch(ctx, session, itemID, userID); err != nil {
		s.logger.Error("❌ match check failed", "sessionId", sessionID, "itemId", itemID, "error", err)
		return nil, fmt.Errorf("swipe recorded but match check failed: %w", err)
	}
	return &models.SwipeResult{IsNew: isNew}, nil
}

func (s *SwipeService) session(ctx context.Context, sessionID string) (*models.Session, error) {
	var session *models.Session
	_, err := withRetry(ctx, s.settings.StoreRetries, s.logger, "get_session", func() error {
		var err error
		session, err = s.store.GetSession(ctx, sessionID)
		return err
	})
	return session, err
}

func (s *SwipeService) storedLike(ctx context.Context, sessionID, userID, itemID string) (bool, error) {
	var stored *models.SwipeDecision
	_, err := withRetry(ctx, s.settings.StoreRetries, s.logger, "get_swipe", func() error {
		var err error
		stored, err = s.store.GetSwipe(ctx, sessionID, userID, itemID)
		return err
	})
	if err != nil {
		return false, err
	}
	return stored.Liked, nil
}
