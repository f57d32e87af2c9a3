/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       SQLite-backed session/turn store plus a transaction-
             bound variant (txStore) so a caller can fold several
             writes — and a dedup mark — into one commit.
Root Cause:  Builder.Apply needs its dedup check and its session/turn
             writes to rise or fall together; two separate commits
             can't guarantee that.
Suitability: L2 — CRUD over two tables, same single-writer pattern
             as the raw store.
──────────────────────────────────────────────────────────────
*/

// Package conversation reconstructs per-session conversations (sessions
// and turns) from the CDC stream (§4.4.1) and persists them to a
// dedicated SQLite-backed store (§6.3).
package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key         TEXT PRIMARY KEY,
	platform            TEXT NOT NULL,
	external_session_id TEXT NOT NULL,
	first_seen_at       INTEGER NOT NULL,
	last_seen_at        INTEGER NOT NULL,
	status              TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	session_key       TEXT NOT NULL,
	turn_id           INTEGER NOT NULL,
	prompt_event_id   TEXT NOT NULL,
	response_event_id TEXT NOT NULL DEFAULT '',
	started_at        INTEGER NOT NULL,
	completed_at      INTEGER,
	accepted          TEXT NOT NULL DEFAULT 'unknown',
	tool_uses_blob    TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (session_key, turn_id)
);
`

// Status enumerates the session-level lifecycle states (§4.4.1).
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Accepted is the tri-state inferred acceptance of a turn's suggestion.
type Accepted string

const (
	AcceptedUnknown  Accepted = "unknown"
	AcceptedAccepted Accepted = "accepted"
	AcceptedRejected Accepted = "rejected"
)

// Session is a reconstructed conversation's session-level row.
type Session struct {
	SessionKey        string
	Platform          string
	ExternalSessionID string
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
	Status            Status
}

// Turn is a reconstructed user-prompt/assistant-response pairing. TurnID
// is 1-based and increases monotonically within a session.
type Turn struct {
	SessionKey      string
	TurnID          int64
	PromptEventID   string
	ResponseEventID string
	StartedAt       time.Time
	CompletedAt     sql.NullTime
	Accepted        Accepted
	ToolUsesBlob    string
}

// Store is the conversation store's persistence surface. Builder uses it
// under a per-session lock, so implementations need not serialize
// updates to the same session themselves, but must allow concurrent
// updates across distinct sessions (§5).
type Store interface {
	GetSession(ctx context.Context, sessionKey string) (*Session, error)
	UpsertSession(ctx context.Context, s Session) error

	CurrentTurn(ctx context.Context, sessionKey string) (*Turn, error)
	InsertTurn(ctx context.Context, t Turn) error
	UpdateTurn(ctx context.Context, t Turn) error

	// WithTx runs fn against a single transaction, handing back both the
	// *sql.Tx (so callers can fold in other tx-scoped work, such as a
	// dedup.TryMarkTx call) and a Store bound to that same transaction.
	// fn's error rolls the transaction back; a nil error commits it.
	WithTx(ctx context.Context, fn func(tx *sql.Tx, txStore Store) error) error

	Close() error
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting the query
// methods below run unmodified whether or not they're inside a
// transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLiteStore is the durable conversation store backing, grounded on the
// same single-writer WAL pattern as the raw store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) the SQLite database at path
// and ensures its schema is in place.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate conversation schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionKey string) (*Session, error) {
	return getSession(ctx, s.db, sessionKey)
}

func (s *SQLiteStore) UpsertSession(ctx context.Context, sess Session) error {
	return upsertSession(ctx, s.db, sess)
}

// CurrentTurn returns the highest turn_id row for sessionKey, or nil if
// the session has no turns yet.
func (s *SQLiteStore) CurrentTurn(ctx context.Context, sessionKey string) (*Turn, error) {
	return currentTurn(ctx, s.db, sessionKey)
}

func (s *SQLiteStore) InsertTurn(ctx context.Context, t Turn) error {
	return insertTurn(ctx, s.db, t)
}

func (s *SQLiteStore) UpdateTurn(ctx context.Context, t Turn) error {
	return updateTurn(ctx, s.db, t)
}

// WithTx runs fn inside one transaction against this store's database,
// committing on a nil return and rolling back otherwise. This is how the
// builder folds its dedup.TryMarkTx check and its session/turn writes
// into a single atomic unit (§6.3, §8) instead of risking a successful
// dedup mark whose paired write never lands.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx *sql.Tx, txStore Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx, &txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB so the builder's dedup index can
// share this store's single-writer connection.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// txStore is a Store bound to an open transaction, handed to WithTx's
// callback so its writes share that transaction's commit.
type txStore struct {
	tx *sql.Tx
}

func (t *txStore) GetSession(ctx context.Context, sessionKey string) (*Session, error) {
	return getSession(ctx, t.tx, sessionKey)
}

func (t *txStore) UpsertSession(ctx context.Context, sess Session) error {
	return upsertSession(ctx, t.tx, sess)
}

func (t *txStore) CurrentTurn(ctx context.Context, sessionKey string) (*Turn, error) {
	return currentTurn(ctx, t.tx, sessionKey)
}

func (t *txStore) InsertTurn(ctx context.Context, tn Turn) error {
	return insertTurn(ctx, t.tx, tn)
}

func (t *txStore) UpdateTurn(ctx context.Context, tn Turn) error {
	return updateTurn(ctx, t.tx, tn)
}

// WithTx on a txStore reuses the same transaction rather than nesting
// one, since SQLite has no true nested transactions.
func (t *txStore) WithTx(ctx context.Context, fn func(tx *sql.Tx, txStore Store) error) error {
	return fn(t.tx, t)
}

func (t *txStore) Close() error { return nil }

func getSession(ctx context.Context, ex execer, sessionKey string) (*Session, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT session_key, platform, external_session_id, first_seen_at, last_seen_at, status
		FROM sessions WHERE session_key = ?`, sessionKey)

	var sess Session
	var firstSeen, lastSeen int64
	var status string
	if err := row.Scan(&sess.SessionKey, &sess.Platform, &sess.ExternalSessionID, &firstSeen, &lastSeen, &status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get session %s: %w", sessionKey, err)
	}
	sess.FirstSeenAt = time.Unix(0, firstSeen)
	sess.LastSeenAt = time.Unix(0, lastSeen)
	sess.Status = Status(status)
	return &sess, nil
}

func upsertSession(ctx context.Context, ex execer, sess Session) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO sessions (session_key, platform, external_session_id, first_seen_at, last_seen_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			status       = excluded.status`,
		sess.SessionKey, sess.Platform, sess.ExternalSessionID,
		sess.FirstSeenAt.UnixNano(), sess.LastSeenAt.UnixNano(), string(sess.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.SessionKey, err)
	}
	return nil
}

func currentTurn(ctx context.Context, ex execer, sessionKey string) (*Turn, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT session_key, turn_id, prompt_event_id, response_event_id, started_at, completed_at, accepted, tool_uses_blob
		FROM turns WHERE session_key = ? ORDER BY turn_id DESC LIMIT 1`, sessionKey)

	var t Turn
	var startedAt int64
	var completedAt sql.NullInt64
	var accepted string
	if err := row.Scan(&t.SessionKey, &t.TurnID, &t.PromptEventID, &t.ResponseEventID, &startedAt, &completedAt, &accepted, &t.ToolUsesBlob); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("current turn for %s: %w", sessionKey, err)
	}
	t.StartedAt = time.Unix(0, startedAt)
	if completedAt.Valid {
		t.CompletedAt = sql.NullTime{Time: time.Unix(0, completedAt.Int64), Valid: true}
	}
	t.Accepted = Accepted(accepted)
	return &t, nil
}

func insertTurn(ctx context.Context, ex execer, t Turn) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO turns (session_key, turn_id, prompt_event_id, response_event_id, started_at, completed_at, accepted, tool_uses_blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SessionKey, t.TurnID, t.PromptEventID, t.ResponseEventID, t.StartedAt.UnixNano(),
		nullableUnixNano(t.CompletedAt), string(t.Accepted), t.ToolUsesBlob,
	)
	if err != nil {
		return fmt.Errorf("insert turn (%s, %d): %w", t.SessionKey, t.TurnID, err)
	}
	return nil
}

func updateTurn(ctx context.Context, ex execer, t Turn) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE turns SET response_event_id = ?, completed_at = ?, accepted = ?, tool_uses_blob = ?
		WHERE session_key = ? AND turn_id = ?`,
		t.ResponseEventID, nullableUnixNano(t.CompletedAt), string(t.Accepted), t.ToolUsesBlob,
		t.SessionKey, t.TurnID,
	)
	if err != nil {
		return fmt.Errorf("update turn (%s, %d): %w", t.SessionKey, t.TurnID, err)
	}
	return nil
}

func nullableUnixNano(t sql.NullTime) interface{} {
	if !t.Valid {
		return nil
	}
	return t.Time.UnixNano()
}

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*txStore)(nil)
