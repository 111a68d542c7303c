package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"couplemode_server/models"
	"couplemode_server/storage"
	"couplemode_server/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	utils.RetryInitialInterval = time.Millisecond
	os.Exit(m.Run())
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, sessionID, eventType, actorID, eventID string, _ any) (*models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	e := models.Event{ID: eventID, SessionID: sessionID, Type: eventType, ActorID: actorID, Seq: int64(len(r.events) + 1)}
	r.events = append(r.events, e)
	return &e, nil
}

func (r *recordingPublisher) ofType(eventType string) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// flakyStore commits the wrapped call and then reports the store as
// unavailable, the way a lost acknowledgement looks to the caller. The
// conflict counters instead reject the call before it reaches the store.
type flakyStore struct {
	storage.Store
	putSwipeFailures  atomic.Int32
	putMatchFailures  atomic.Int32
	getSwipeFailures  atomic.Int32
	putSwipeConflicts atomic.Int32
	putMatchConflicts atomic.Int32
	joinConflicts     atomic.Int32
}

func conflict() error {
	return fmt.Errorf("%w: transaction cancelled", models.ErrStoreConflict)
}

func (f *flakyStore) JoinSession(ctx context.Context, code, joinerID string, expiredBefore time.Time) (*models.Session, bool, error) {
	if f.joinConflicts.Add(-1) >= 0 {
		return nil, false, conflict()
	}
	return f.Store.JoinSession(ctx, code, joinerID, expiredBefore)
}

func (f *flakyStore) PutSwipe(ctx context.Context, swipe *models.SwipeDecision) (bool, error) {
	if f.putSwipeConflicts.Add(-1) >= 0 {
		return false, conflict()
	}
	isNew, err := f.Store.PutSwipe(ctx, swipe)
	if f.putSwipeFailures.Add(-1) >= 0 {
		return false, fmt.Errorf("%w: ack lost", models.ErrStoreUnavailable)
	}
	return isNew, err
}

func (f *flakyStore) PutMatch(ctx context.Context, match *models.Match) (bool, error) {
	if f.putMatchConflicts.Add(-1) >= 0 {
		return false, conflict()
	}
	created, err := f.Store.PutMatch(ctx, match)
	if f.putMatchFailures.Add(-1) >= 0 {
		return false, fmt.Errorf("%w: ack lost", models.ErrStoreUnavailable)
	}
	return created, err
}

func (f *flakyStore) GetSwipe(ctx context.Context, sessionID, userID, itemID string) (*models.SwipeDecision, error) {
	if f.getSwipeFailures.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: timeout", models.ErrStoreUnavailable)
	}
	return f.Store.GetSwipe(ctx, sessionID, userID, itemID)
}

type fixture struct {
	store    storage.Store
	events   *recordingPublisher
	sessions *SessionService
	swipes   *SwipeService
	matches  *MatchService
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T, store storage.Store) *fixture {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := &recordingPublisher{}
	settings := Settings{SessionTTL: 30 * time.Minute, CodeAttempts: 5, StoreRetries: 3}
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	matches := NewMatchService(store, pub, settings, logger)
	f := &fixture{
		store:    store,
		events:   pub,
		sessions: NewSessionService(store, pub, settings, logger),
		matches:  matches,
		swipes:   NewSwipeService(store, pub, matches, settings, logger),
		clock:    clock,
	}
	f.sessions.now = clock.Now
	f.swipes.now = clock.Now
	f.matches.now = clock.Now
	return f
}

func (f *fixture) activeSession(t *testing.T) *models.Session {
	t.Helper()
	s, err := f.sessions.CreateSession(context.Background(), "alice")
	require.NoError(t, err)
	s, err = f.sessions.JoinSession(context.Background(), s.Code, "bob")
	require.NoError(t, err)
	return s
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t, nil)

	s, err := f.sessions.CreateSession(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPending, s.Status)
	assert.True(t, utils.IsValidSessionCode(s.Code))
	assert.Empty(t, s.PartnerID)
	assert.Empty(t, f.events.events, "create does not broadcast")

	_, err = f.sessions.CreateSession(context.Background(), "")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestCreateSession_CodeSpaceExhausted(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.generateCode = func() (string, error) { return "111111", nil }

	_, err := f.sessions.CreateSession(context.Background(), "alice")
	require.NoError(t, err)

	_, err = f.sessions.CreateSession(context.Background(), "carol")
	assert.ErrorIs(t, err, models.ErrCodeSpaceExhausted)
}

func TestCreateSession_RetriesCollisions(t *testing.T) {
	f := newFixture(t, nil)
	codes := []string{"111111", "111111", "222222"}
	calls := 0
	f.sessions.generateCode = func() (string, error) {
		c := codes[calls]
		calls++
		return c, nil
	}

	_, err := f.sessions.CreateSession(context.Background(), "alice")
	require.NoError(t, err)
	s, err := f.sessions.CreateSession(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, "222222", s.Code)
	assert.Equal(t, 3, calls)
}

func TestJoinSession_HappyPath(t *testing.T) {
	f := newFixture(t, nil)
	created, err := f.sessions.CreateSession(context.Background(), "alice")
	require.NoError(t, err)

	joined, err := f.sessions.JoinSession(context.Background(), " "+created.Code+" ", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, joined.Status)
	assert.Equal(t, "bob", joined.PartnerID)

	updates := f.events.ofType(models.EventSessionUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, created.SessionID, updates[0].SessionID)
}

func TestJoinSession_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	s := f.activeSession(t)

	_, err := f.sessions.JoinSession(context.Background(), s.Code, "alice")
	assert.ErrorIs(t, err, models.ErrSelfJoinRejected)

	_, err = f.sessions.JoinSession(context.Background(), s.Code, "carol")
	assert.ErrorIs(t, err, models.ErrSessionAlreadyJoined)

	_, err = f.sessions.JoinSession(context.Background(), "12ab56", "carol")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	_, err = f.sessions.JoinSession(context.Background(), "000000", "carol")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestJoinSession_RepeatByPartnerIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	s := f.activeSession(t)

	again, err := f.sessions.JoinSession(context.Background(), s.Code, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", again.PartnerID)
	assert.Len(t, f.events.ofType(models.EventSessionUpdated), 1)
}

func TestJoinSession_ConcurrentJoinersOneWins(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.sessions.CreateSession(context.Background(), "alice")
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.sessions.JoinSession(context.Background(), s.Code, fmt.Sprintf("joiner-%d", i))
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, models.ErrSessionAlreadyJoined)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Len(t, f.events.ofType(models.EventSessionUpdated), 1)
}

func TestJoinSession_AfterTTLIsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.sessions.CreateSession(context.Background(), "alice")
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)
	_, err = f.sessions.JoinSession(context.Background(), s.Code, "bob")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestEndSession(t *testing.T) {
	f := newFixture(t, nil)
	s := f.activeSession(t)

	_, err := f.sessions.EndSession(context.Background(), s.SessionID, "mallory")
	assert.ErrorIs(t, err, models.ErrNotAParticipant)

	ended, err := f.sessions.EndSession(context.Background(), s.SessionID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, ended.Status)
	require.NotNil(t, ended.EndedAt)

	again, err := f.sessions.EndSession(context.Background(), s.SessionID, "bob")
	require.NoError(t, err)
	assert.Equal(t, ended.EndedAt, again.EndedAt)
	assert.Len(t, f.events.ofType(models.EventSessionUpdated), 2, "join + one end")

	_, err = f.sessions.EndSession(context.Background(), "missing", "")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestEndSession_ReleasesCode(t *testing.T) {
	f := newFixture(t, nil)
	f.sessions.generateCode = func() (string, error) { return "424242", nil }

	s, err := f.sessions.CreateSession(context.Background(), "alice")
	require.NoError(t, err)
	_, err = f.sessions.EndSession(context.Background(), s.SessionID, "alice")
	require.NoError(t, err)

	reused, err := f.sessions.CreateSession(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, "424242", reused.Code)
	assert.NotEqual(t, s.SessionID, reused.SessionID)
}

func TestRecordSwipe_MutualLikeCreatesOneMatch(t *testing.T) {
	f := newFixture(t, nil)
	s := f.activeSession(t)
	ctx := context.Background()

	res, err := f.swipes.RecordSwipe(ctx, s.SessionID, "alice", "p1", true)
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.Empty(t, f.events.ofType(models.EventMatchCreated))

	res, err = f.swipes.RecordSwipe(ctx, s.SessionID, "bob", "p1", true)
	require.NoError(t, err)
	assert.True(t, res.IsNew)

	matchEvents := f.events.ofType(models.EventMatchCreated)
	require.Len(t, matchEvents, 1)
	assert.Equal(t, models.MatchEventID(s.SessionID, "p1"), matchEvents[0].ID)

	swiped := f.events.ofType(models.EventPartnerSwiped)
	assert.Len(t, swiped, 2)

	// Repeating the like changes nothing.
	res, err = f.swipes.RecordSwipe(ctx, s.SessionID, "bob", "p1", true)
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.Len(t, f.events.ofType(models.EventMatchCreated), 1)
	assert.Len(t, f.events.ofType(models.EventPartnerSwiped), 2)

	matches, err := f.matches.ListMatches(ctx, s.SessionID)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "p1", matches[0].ItemID)
}

func TestRecordSwipe_DislikeNeverMatches(t *testing.T) {
	f := newFixture(t, nil)
	s := f.activeSession(t)
	ctx := context.Background()

	_, err := f.swipes.RecordSwipe(ctx, s.SessionID, "alice", "p1", true)
	require.NoError(t, err)
	_, err = f.swipes.RecordSwipe(ctx, s.SessionID, "bob", "p1", false)
	require.NoError(t, err)

	// A later like cannot overwrite the dislike.
	res, err := f.swipes.RecordSwipe(ctx, s.SessionID, "bob", "p1", true)
	require.NoError(t, err)
	assert.False(t, res.IsNew)

	matches, err := f.matches.ListMatches(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Empty(t, f.events.ofType(models.EventMatchCreated))
}

func TestRecordSwipe_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pending, err := f.sessions.CreateSession(ctx, "alice")
	require.NoError(t, err)
	_, err = f.swipes.RecordSwipe(ctx, pending.SessionID, "alice", "p1", true)
	assert.ErrorIs(t, err, models.ErrSessionNotActive)

	s := f.activeSession(t)
	_, err = f.swipes.RecordSwipe(ctx, s.SessionID, "mallory", "p1", true)
	assert.ErrorIs(t, err, models.ErrNotAParticipant)

	_, err = f.swipes.RecordSwipe(ctx, s.SessionID, "alice", "", true)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = f.swipes.RecordSwipe(ctx, "missing", "alice", "p1", true)
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestRecordSwipe_AfterEndIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	s := f.activeSession(t)
	ctx := context.Background()

	_, err := f.swipes.RecordSwipe(ctx, s.SessionID, "alice", "p1", true)
	require.NoError(t, err)
	_, err = f.sessions.EndSession(ctx, s.SessionID, "bob")
	require.NoError(t, err)

	_, err = f.swipes.RecordSwipe(ctx, s.SessionID, "bob", "p1", true)
	assert.ErrorIs(t, err, models.ErrSessionNotActive)

	matches, err := f.matches.ListMatches(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRecordSwipe_ConcurrentMutualLikesMatchExactlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	s := f.activeSession(t)
	ctx := context.Background()

	const items = 50
	var wg sync.WaitGroup
	for i := 0; i < items; i++ {
		item := fmt.Sprintf("p%d", i)
		for _, user := range []string{"alice", "bob"} {
			wg.Add(1)
			go func(user string) {
				defer wg.Done()
				_, err := f.swipes.RecordSwipe(ctx, s.SessionID, user, item, true)
				assert.NoError(t, err)
			}(user)
		}
	}
	wg.Wait()

	matches, err := f.matches.ListMatches(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Len(t, matches, items)

	perItem := map[string]int{}
	for _, e := range f.events.ofType(models.EventMatchCreated) {
		perItem[e.ID]++
	}
	assert.Len(t, perItem, items)
	for id, n := range perItem {
		assert.Equal(t, 1, n, id)
	}
}

func TestRecordSwipe_LostAckStillMatches(t *testing.T) {
	flaky := &flakyStore{Store: storage.NewMemoryStore()}
	f := newFixture(t, flaky)
	s := f.activeSession(t)
	ctx := context.Background()

	_, err := f.swipes.RecordSwipe(ctx, s.SessionID, "bob", "p1", true)
	require.NoError(t, err)

	// alice's like commits but the first ack is lost; the retry sees a
	// duplicate and must still produce the match.
	flaky.putSwipeFailures.Store(1)
	res, err := f.swipes.RecordSwipe(ctx, s.SessionID, "alice", "p1", true)
	require.NoError(t, err)
	assert.False(t, res.IsNew)

	matches, err := f.matches.ListMatches(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	assert.Len(t, f.events.ofType(models.EventMatchCreated), 1)
}

func TestRecordSwipe_LostMatchAckStillAnnounces(t *testing.T) {
	flaky := &flakyStore{Store: storage.NewMemoryStore()}
	f := newFixture(t, flaky)
	s := f.activeSession(t)
	ctx := context.Background()

	_, err := f.swipes.RecordSwipe(ctx, s.SessionID, "alice", "p1", true)
	require.NoError(t, err)

	flaky.putMatchFailures.Store(1)
	_, err = f.swipes.RecordSwipe(ctx, s.SessionID, "bob", "p1", true)
	require.NoError(t, err)

	assert.Len(t, f.events.ofType(models.EventMatchCreated), 1)
}

func TestRecordSwipe_DuplicateLikeSkipsMatchCheck(t *testing.T) {
	flaky := &flakyStore{Store: storage.NewMemoryStore()}
	f := newFixture(t, flaky)
	f.swipes.settings.StoreRetries = 0
	f.matches.settings.StoreRetries = 0
	s := f.activeSession(t)
	ctx := context.Background()

	_, err := f.swipes.RecordSwipe(ctx, s.SessionID, "alice", "p1", true)
	require.NoError(t, err)
	_, err = f.swipes.RecordSwipe(ctx, s.SessionID, "bob", "p1", true)
	require.NoError(t, err)
	require.Len(t, f.events.ofType(models.EventMatchCreated), 1)
	swiped := len(f.events.ofType(models.EventPartnerSwiped))

	// A match check would read alice's swipe and fail on this.
	flaky.getSwipeFailures.Store(1)
	res, err := f.swipes.RecordSwipe(ctx, s.SessionID, "bob", "p1", true)
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.Len(t, f.events.ofType(models.EventMatchCreated), 1)
	assert.Len(t, f.events.ofType(models.EventPartnerSwiped), swiped)
}

func TestCheckAndCreateMatch_ConflictRetryDoesNotReannounce(t *testing.T) {
	flaky := &flakyStore{Store: storage.NewMemoryStore()}
	f := newFixture(t, flaky)
	s := f.activeSession(t)
	ctx := context.Background()

	_, err := f.swipes.RecordSwipe(ctx, s.SessionID, "alice", "p1", true)
	require.NoError(t, err)
	_, err = f.swipes.RecordSwipe(ctx, s.SessionID, "bob", "p1", true)
	require.NoError(t, err)
	require.Len(t, f.events.ofType(models.EventMatchCreated), 1)

	// The losing racer's transaction conflicts first; its retry finds the
	// winner's match. Nothing of its own committed, so it stays quiet.
	flaky.putMatchConflicts.Store(1)
	created, err := f.matches.CheckAndCreateMatch(ctx, s, "p1", "alice")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, f.events.ofType(models.EventMatchCreated), 1)
}

func TestRecordSwipe_ConflictRetryOnDuplicateIsQuiet(t *testing.T) {
	flaky := &flakyStore{Store: storage.NewMemoryStore()}
	f := newFixture(t, flaky)
	s := f.activeSession(t)
	ctx := context.Background()

	_, err := f.swipes.RecordSwipe(ctx, s.SessionID, "alice", "p1", false)
	require.NoError(t, err)
	require.Len(t, f.events.ofType(models.EventPartnerSwiped), 1)

	flaky.putSwipeConflicts.Store(1)
	res, err := f.swipes.RecordSwipe(ctx, s.SessionID, "alice", "p1", false)
	require.NoError(t, err)
	assert.False(t, res.IsNew)
	assert.Len(t, f.events.ofType(models.EventPartnerSwiped), 1)
}

func TestJoinSession_ConflictRetryOnRepeatJoinIsQuiet(t *testing.T) {
	flaky := &flakyStore{Store: storage.NewMemoryStore()}
	f := newFixture(t, flaky)
	s := f.activeSession(t)
	ctx := context.Background()
	require.Len(t, f.events.ofType(models.EventSessionUpdated), 1)

	flaky.joinConflicts.Store(1)
	joined, err := f.sessions.JoinSession(ctx, s.Code, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", joined.PartnerID)
	assert.Len(t, f.events.ofType(models.EventSessionUpdated), 1)
}

func TestPublishFailureDoesNotFailWrites(t *testing.T) {
	f := newFixture(t, nil)
	f.events.err = models.ErrTransportUnavailable
	ctx := context.Background()

	s, err := f.sessions.CreateSession(ctx, "alice")
	require.NoError(t, err)
	s, err = f.sessions.JoinSession(ctx, s.Code, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, s.Status)

	_, err = f.swipes.RecordSwipe(ctx, s.SessionID, "alice", "p1", true)
	require.NoError(t, err)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	s := f.activeSession(t)
	ctx := context.Background()

	_, err := f.swipes.RecordSwipe(ctx, s.SessionID, "alice", "p1", true)
	require.NoError(t, err)
	_, err = f.swipes.RecordSwipe(ctx, s.SessionID, "bob", "p1", true)
	require.NoError(t, err)

	snap, err := f.sessions.Snapshot(ctx, s.SessionID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, snap.Session.Status)
	require.Len(t, snap.Matches, 1)
	assert.Equal(t, "p1", snap.Matches[0].ItemID)

	_, err = f.sessions.Snapshot(ctx, s.SessionID, "mallory")
	assert.ErrorIs(t, err, models.ErrNotAParticipant)
}

func TestExpireStaleSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	stale, err := f.sessions.CreateSession(ctx, "alice")
	require.NoError(t, err)
	joined := f.activeSession(t)

	f.clock.Advance(45 * time.Minute)
	fresh, err := f.sessions.CreateSession(ctx, "carol")
	require.NoError(t, err)

	n, err := f.sessions.ExpireStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.sessions.GetSession(ctx, stale.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusExpired, got.Status)

	got, err = f.sessions.GetSession(ctx, joined.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, got.Status)

	got, err = f.sessions.GetSession(ctx, fresh.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPending, got.Status)

	_, err = f.sessions.JoinSession(ctx, stale.Code, "dave")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	n, err = f.sessions.ExpireStaleSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpiryWorker_StopsWithContext(t *testing.T) {
	f := newFixture(t, nil)
	w := NewExpiryWorker(f.sessions, 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
