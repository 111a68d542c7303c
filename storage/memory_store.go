package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"couplemode_server/models"
)

type swipeKey struct {
	sessionID, userID, itemID string
}

type matchKey struct {
	sessionID, itemID string
}

// MemoryStore keeps everything in process. The mutex is the store's own
// atomic primitive; callers never hold it across operations.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	codes    map[string]string
	swipes   map[swipeKey]models.SwipeDecision
	matches  map[matchKey]models.Match
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		codes:    make(map[string]string),
		swipes:   make(map[swipeKey]models.SwipeDecision),
		matches:  make(map[matchKey]models.Match),
	}
}

func copySession(s *models.Session) *models.Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.codes[session.Code]; taken {
		return models.ErrCodeTaken
	}
	if _, exists := m.sessions[session.SessionID]; exists {
		return models.ErrCodeTaken
	}

	m.sessions[session.SessionID] = copySession(session)
	m.codes[session.Code] = session.SessionID
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return copySession(s), nil
}

func (m *MemoryStore) JoinSession(ctx context.Context, code, joinerID string, expiredBefore time.Time) (*models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.codes[code]
	if !ok {
		return nil, false, models.ErrSessionNotFound
	}
	s := m.sessions[id]

	if err := classifyJoin(s, joinerID, expiredBefore); err != nil {
		return nil, false, err
	}
	if s.PartnerID == joinerID {
		return copySession(s), false, nil
	}

	s.PartnerID = joinerID
	s.Status = models.SessionStatusActive
	return copySession(s), true, nil
}

func (m *MemoryStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (*models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false, models.ErrSessionNotFound
	}
	if s.IsTerminal() {
		return copySession(s), false, nil
	}

	m.closeLocked(s, models.SessionStatusCompleted, endedAt)
	return copySession(s), true, nil
}

func (m *MemoryStore) ExpireSession(ctx context.Context, sessionID string, endedAt time.Time) (*models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false, models.ErrSessionNotFound
	}
	if s.Status != models.SessionStatusPending || s.PartnerID != "" {
		return copySession(s), false, nil
	}

	m.closeLocked(s, models.SessionStatusExpired, endedAt)
	return copySession(s), true, nil
}

func (m *MemoryStore) closeLocked(s *models.Session, status string, endedAt time.Time) {
	t := endedAt
	s.Status = status
	s.EndedAt = &t
	if m.codes[s.Code] == s.SessionID {
		delete(m.codes, s.Code)
	}
}

func (m *MemoryStore) ListStalePending(ctx context.Context, createdBefore time.Time) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []models.Session
	for _, s := range m.sessions {
		if s.Status == models.SessionStatusPending && s.CreatedAt.Before(createdBefore) {
			stale = append(stale, *copySession(s))
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	return stale, nil
}

func (m *MemoryStore) PutSwipe(ctx context.Context, swipe *models.SwipeDecision) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireActiveLocked(swipe.SessionID); err != nil {
		return false, err
	}

	key := swipeKey{swipe.SessionID, swipe.UserID, swipe.ItemID}
	if _, exists := m.swipes[key]; exists {
		return false, nil
	}

	stored := *swipe
	stored.SK = models.SwipeSortKey(swipe.UserID, swipe.ItemID)
	m.swipes[key] = stored
	return true, nil
}

func (m *MemoryStore) GetSwipe(ctx context.Context, sessionID, userID, itemID string) (*models.SwipeDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.swipes[swipeKey{sessionID, userID, itemID}]
	if !ok {
		return nil, models.ErrSwipeNotFound
	}
	return &d, nil
}

func (m *MemoryStore) PutMatch(ctx context.Context, match *models.Match) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireActiveLocked(match.SessionID); err != nil {
		return false, err
	}

	key := matchKey{match.SessionID, match.ItemID}
	if _, exists := m.matches[key]; exists {
		return false, nil
	}
	m.matches[key] = *match
	return true, nil
}

func (m *MemoryStore) requireActiveLocked(sessionID string) error {
	s, ok := m.sessions[sessionID]
	if !ok {
		return models.ErrSessionNotFound
	}
	if s.Status != models.SessionStatusActive {
		return models.ErrSessionNotActive
	}
	return nil
}

func (m *MemoryStore) ListMatches(ctx context.Context, sessionID string) ([]models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches := []models.Match{}
	for k, v := range m.matches {
		if k.sessionID == sessionID {
			matches = append(matches, v)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ItemID < matches[j].ItemID
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	return matches, nil
}

func (m *MemoryStore) NextEventSeq(ctx context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, models.ErrSessionNotFound
	}
	s.LastEventSeq++
	return s.LastEventSeq, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	return nil
}
