// Package storage holds the durable store contract of the coordinator and its
// backends. Every write that needs to be atomic across two independent callers
// is a single conditional operation against the backend.
package storage

import (
	"context"
	"time"

	"couplemode_server/models"
)

// Store is the persistence substrate. Implementations must provide
// insert-with-uniqueness-rejection and conditional update; they wrap
// infrastructure failures with models.ErrStoreUnavailable.
type Store interface {
	// CreateSession inserts a pending session and reserves its code.
	// Returns models.ErrCodeTaken if an open session already holds the code.
	CreateSession(ctx context.Context, session *models.Session) error

	// GetSession returns models.ErrSessionNotFound for unknown ids.
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)

	// JoinSession sets the partner of the pending session holding code.
	// Pending sessions created before expiredBefore count as expired.
	// changed is false when joinerID already is the partner.
	JoinSession(ctx context.Context, code, joinerID string, expiredBefore time.Time) (session *models.Session, changed bool, err error)

	// EndSession moves a pending or active session to completed and releases
	// its code. Terminal sessions are returned unchanged.
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) (session *models.Session, changed bool, err error)

	// ExpireSession moves a session to expired only if it is still pending
	// and unjoined.
	ExpireSession(ctx context.Context, sessionID string, endedAt time.Time) (session *models.Session, changed bool, err error)

	// ListStalePending lists pending sessions created before createdBefore.
	ListStalePending(ctx context.Context, createdBefore time.Time) ([]models.Session, error)

	// PutSwipe inserts the decision if absent and only while the session is
	// active. isNew is false when a decision for the key already exists.
	PutSwipe(ctx context.Context, swipe *models.SwipeDecision) (isNew bool, err error)

	// GetSwipe returns models.ErrSwipeNotFound when no decision exists.
	GetSwipe(ctx context.Context, sessionID, userID, itemID string) (*models.SwipeDecision, error)

	// PutMatch inserts the match if absent and only while the session is
	// active. created is false when the match already exists.
	PutMatch(ctx context.Context, match *models.Match) (created bool, err error)

	ListMatches(ctx context.Context, sessionID string) ([]models.Match, error)

	// NextEventSeq atomically increments and returns the session's channel sequence.
	NextEventSeq(ctx context.Context, sessionID string) (int64, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}
