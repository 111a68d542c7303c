package storage

import (
	"time"

	"couplemode_server/models"
)

// classifyJoin decides why joinerID may not join s, or returns nil when the
// join may proceed (including a repeat join by the current partner). All
// backends share it so the three join failures read the same everywhere.
func classifyJoin(s *models.Session, joinerID string, expiredBefore time.Time) error {
	if s == nil || !s.IsOpen() {
		return models.ErrSessionNotFound
	}
	if s.CreatorID == joinerID {
		return models.ErrSelfJoinRejected
	}
	if s.PartnerID == joinerID {
		return nil
	}
	if s.PartnerID != "" || s.Status != models.SessionStatusPending {
		return models.ErrSessionAlreadyJoined
	}
	if s.CreatedAt.Before(expiredBefore) {
		return models.ErrSessionNotFound
	}
	return nil
}
