// Package services implements the session registry, the swipe recorder and
// the match detector. None of them hold a lock across participants: every
// race is settled by a conditional write in the store.
package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"couplemode_server/models"
	"couplemode_server/utils"
)

// EventPublisher is the part of events.Broadcaster the services need.
type EventPublisher interface {
	Publish(ctx context.Context, sessionID, eventType, actorID, eventID string, payload any) (*models.Event, error)
}

// Settings tunes the services.
type Settings struct {
	SessionTTL     time.Duration
	CodeAttempts   int
	StoreRetries   int
	PublishTimeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.CodeAttempts <= 0 {
		s.CodeAttempts = 5
	}
	if s.StoreRetries < 0 {
		s.StoreRetries = 0
	}
	if s.PublishTimeout <= 0 {
		s.PublishTimeout = 5 * time.Second
	}
	return s
}

// withRetry runs op with bounded backoff on store unavailability. It reports
// whether the outcome of an earlier attempt is unknown: a failure other than
// models.ErrStoreConflict may have committed before it was observed.
func withRetry(ctx context.Context, attempts int, logger *slog.Logger, opName string, op func() error) (bool, error) {
	uncertain := false
	err := utils.Retry(ctx, attempts, op, func(err error, next time.Duration) {
		if !errors.Is(err, models.ErrStoreConflict) {
			uncertain = true
		}
		logger.Warn("🔁 retrying store call", "op", opName, "in", next, "error", err)
	})
	return uncertain, err
}

// publish sends an event after its write has committed. The write already
// happened, so a failed publish is logged and swallowed; clients recover
// through resync.
func publish(ctx context.Context, events EventPublisher, timeout time.Duration, logger *slog.Logger, sessionID, eventType, actorID, eventID string, payload any) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if _, err := events.Publish(pubCtx, sessionID, eventType, actorID, eventID, payload); err != nil {
		logger.Warn("⚠️ event not delivered, clients will resync",
			"sessionId", sessionID, "type", eventType, "error", err)
	}
}
