package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"couplemode_server/models"
	"couplemode_server/storage/migrations"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db DBTX
}

func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens a pgx-backed *sql.DB and checks connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping postgres: %w", models.ErrStoreUnavailable, err)
	}
	return db, nil
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

// dbError keeps constraint and data errors as they are and marks everything
// else (connection loss, timeouts, serialization failures) as retryable.
func dbError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "22", "23", "42":
			return fmt.Errorf("db error: %w", err)
		case "40":
			// serialization failure or deadlock: the statement was rolled back
			return fmt.Errorf("%w: db error: %w", models.ErrStoreConflict, err)
		}
	}
	return fmt.Errorf("%w: db error: %w", models.ErrStoreUnavailable, err)
}

const sessionColumns = `id, code, creator_id, partner_id, status, created_at, ended_at, last_event_seq`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		s       models.Session
		partner sql.NullString
		ended   sql.NullTime
	)
	if err := row.Scan(&s.SessionID, &s.Code, &s.CreatorID, &partner, &s.Status, &s.CreatedAt, &ended, &s.LastEventSeq); err != nil {
		return nil, err
	}
	s.PartnerID = partner.String
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	return &s, nil
}

func (r *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	query :=
		`INSERT INTO couple_sessions (id, code, creator_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		session.SessionID, session.Code, session.CreatorID, session.Status, session.CreatedAt)
	if err != nil {
		return dbError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbError(err)
	}
	if n == 0 {
		return models.ErrCodeTaken
	}
	return nil
}

func (r *PostgresStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM couple_sessions WHERE id = $1`

	s, err := scanSession(r.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrSessionNotFound
		}
		return nil, dbError(err)
	}
	return s, nil
}

func (r *PostgresStore) JoinSession(ctx context.Context, code, joinerID string, expiredBefore time.Time) (*models.Session, bool, error) {
	query :=
		`UPDATE couple_sessions SET partner_id = $2, status = 'active'
		 WHERE code = $1 AND status = 'pending' AND partner_id IS NULL
		   AND creator_id <> $2 AND created_at >= $3
		 RETURNING ` + sessionColumns

	s, err := scanSession(r.db.QueryRowContext(ctx, query, code, joinerID, expiredBefore))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, dbError(err)
	}

	// Nothing updated: read the open session holding the code to say why.
	lookup := `SELECT ` + sessionColumns + ` FROM couple_sessions
		 WHERE code = $1 AND status IN ('pending', 'active')`
	current, err := scanSession(r.db.QueryRowContext(ctx, lookup, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, models.ErrSessionNotFound
		}
		return nil, false, dbError(err)
	}
	if err := classifyJoin(current, joinerID, expiredBefore); err != nil {
		return nil, false, err
	}
	if current.PartnerID == joinerID {
		return current, false, nil
	}
	return nil, false, models.ErrSessionAlreadyJoined
}

func (r *PostgresStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (*models.Session, bool, error) {
	query :=
		`UPDATE couple_sessions SET status = 'completed', ended_at = $2
		 WHERE id = $1 AND status IN ('pending', 'active')
		 RETURNING ` + sessionColumns

	return r.closeSession(ctx, query, sessionID, endedAt)
}

func (r *PostgresStore) ExpireSession(ctx context.Context, sessionID string, endedAt time.Time) (*models.Session, bool, error) {
	query :=
		`UPDATE couple_sessions SET status = 'expired', ended_at = $2
		 WHERE id = $1 AND status = 'pending' AND partner_id IS NULL
		 RETURNING ` + sessionColumns

	return r.closeSession(ctx, query, sessionID, endedAt)
}

func (r *PostgresStore) closeSession(ctx context.Context, query, sessionID string, endedAt time.Time) (*models.Session, bool, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, query, sessionID, endedAt))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, dbError(err)
	}
	current, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *PostgresStore) ListStalePending(ctx context.Context, createdBefore time.Time) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM couple_sessions
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, createdBefore)
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close()

	var stale []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, dbError(err)
		}
		stale = append(stale, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}
	return stale, nil
}

// requireActive explains a conditional insert that affected no rows: the
// session is missing, no longer active, or the row already existed.
func (r *PostgresStore) requireActive(ctx context.Context, sessionID string) error {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM couple_sessions WHERE id = $1`, sessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrSessionNotFound
		}
		return dbError(err)
	}
	if status != models.SessionStatusActive {
		return models.ErrSessionNotActive
	}
	return nil
}

func (r *PostgresStore) insertWhileActive(ctx context.Context, sessionID, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, dbError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbError(err)
	}
	if n == 1 {
		return true, nil
	}
	if err := r.requireActive(ctx, sessionID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *PostgresStore) PutSwipe(ctx context.Context, swipe *models.SwipeDecision) (bool, error) {
	query :=
		`INSERT INTO swipe_decisions (session_id, user_id, item_id, liked, recorded_at)
		 SELECT $1, $2, $3, $4, $5
		 WHERE EXISTS (SELECT 1 FROM couple_sessions WHERE id = $1 AND status = 'active' FOR SHARE)
		 ON CONFLICT (session_id, user_id, item_id) DO NOTHING`

	return r.insertWhileActive(ctx, swipe.SessionID, query,
		swipe.SessionID, swipe.UserID, swipe.ItemID, swipe.Liked, swipe.RecordedAt)
}

func (r *PostgresStore) GetSwipe(ctx context.Context, sessionID, userID, itemID string) (*models.SwipeDecision, error) {
	query :=
		`SELECT session_id, user_id, item_id, liked, recorded_at FROM swipe_decisions
		 WHERE session_id = $1 AND user_id = $2 AND item_id = $3`

	d := &models.SwipeDecision{}
	err := r.db.QueryRowContext(ctx, query, sessionID, userID, itemID).
		Scan(&d.SessionID, &d.UserID, &d.ItemID, &d.Liked, &d.RecordedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrSwipeNotFound
		}
		return nil, dbError(err)
	}
	d.SK = models.SwipeSortKey(userID, itemID)
	return d, nil
}

func (r *PostgresStore) PutMatch(ctx context.Context, match *models.Match) (bool, error) {
	query :=
		`INSERT INTO session_matches (session_id, item_id, created_at)
		 SELECT $1, $2, $3
		 WHERE EXISTS (SELECT 1 FROM couple_sessions WHERE id = $1 AND status = 'active' FOR SHARE)
		 ON CONFLICT (session_id, item_id) DO NOTHING`

	return r.insertWhileActive(ctx, match.SessionID, query,
		match.SessionID, match.ItemID, match.CreatedAt)
}

func (r *PostgresStore) ListMatches(ctx context.Context, sessionID string) ([]models.Match, error) {
	query :=
		`SELECT session_id, item_id, created_at FROM session_matches
		 WHERE session_id = $1
		 ORDER BY created_at, item_id`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close()

	matches := []models.Match{}
	for rows.Next() {
		var m models.Match
		if err := rows.Scan(&m.SessionID, &m.ItemID, &m.CreatedAt); err != nil {
			return nil, dbError(err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}
	return matches, nil
}

func (r *PostgresStore) NextEventSeq(ctx context.Context, sessionID string) (int64, error) {
	query :=
		`UPDATE couple_sessions SET last_event_seq = last_event_seq + 1
		 WHERE id = $1
		 RETURNING last_event_seq`

	var seq int64
	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, models.ErrSessionNotFound
		}
		return 0, dbError(err)
	}
	return seq, nil
}

func (r *PostgresStore) Ping(ctx context.Context) error {
	if p, ok := r.db.(interface{ PingContext(context.Context) error }); ok {
		if err := p.PingContext(ctx); err != nil {
			return dbError(err)
		}
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `SELECT 1`); err != nil {
		return dbError(err)
	}
	return nil
}

func (r *PostgresStore) Close() error {
	if c, ok := r.db.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
