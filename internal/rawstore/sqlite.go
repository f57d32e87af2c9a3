/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       One table, one writer connection: Append commits a whole
             batch in a single transaction, Scan skips batches whose
             last_enqueued_at is before the time bound without
             decompressing them, then decodes the rest in written_at
             order and filters their events by session and time.
Root Cause:  The commit protocol needs a crash mid-batch to roll back
             the whole batch rather than leave a partial one durable.
Suitability: L2 — single-writer SQLite CRUD plus a bounds-filtered
             scan.
──────────────────────────────────────────────────────────────
*/

package rawstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aculich/bp-telemetry-core/internal/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS raw_batches (
	batch_id          INTEGER PRIMARY KEY AUTOINCREMENT,
	written_at        INTEGER NOT NULL,
	event_count       INTEGER NOT NULL,
	first_enqueued_at INTEGER NOT NULL,
	last_enqueued_at  INTEGER NOT NULL,
	codec_version     INTEGER NOT NULL,
	blob              BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_batches_written_at ON raw_batches(written_at);
`

// SQLiteStore is the durable backing for the raw event log: one row per
// committed batch, written in a single transaction (§6.3). WAL mode plus
// a single *sql.DB with a pool cap of 1 gives the single-writer semantics
// the commit protocol assumes, while still letting Read/Scan run
// concurrently with the writer (WAL allows concurrent readers).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) the SQLite database at path
// and ensures its schema and WAL journaling are in place.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// A single physical writer connection matches the commit protocol's
	// transaction-per-batch design; SQLite serializes writers anyway, so
	// a larger pool would only add contention, not throughput.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, batch Batch) (int64, error) {
	if len(batch.Events) == 0 {
		return 0, fmt.Errorf("cannot append empty batch")
	}

	blob, err := encode(batch.Events)
	if err != nil {
		return 0, err
	}
	first, last := batch.bounds()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO raw_batches (written_at, event_count, first_enqueued_at, last_enqueued_at, codec_version, blob)
		VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UnixNano(), len(batch.Events), first.UnixNano(), last.UnixNano(), CodecMsgpackZstd, blob,
	)
	if err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}

	batchID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return batchID, nil
}

func (s *SQLiteStore) Read(ctx context.Context, batchID int64) ([]telemetry.Event, error) {
	var version CodecVersion
	var blob []byte
	row := s.db.QueryRowContext(ctx, `SELECT codec_version, blob FROM raw_batches WHERE batch_id = ?`, batchID)
	if err := row.Scan(&version, &blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("batch %d not found", batchID)
		}
		return nil, fmt.Errorf("read batch %d: %w", batchID, err)
	}
	return decode(version, blob)
}

// Scan decodes batches in ascending written_at order and yields every
// event whose SessionKey matches sessionKey and EnqueuedAt is at or
// after since. It relies on first/last_enqueued_at bounds to skip
// batches that cannot possibly contain a matching event without paying
// the decompression cost.
func (s *SQLiteStore) Scan(ctx context.Context, sessionKey string, since time.Time, fn func(telemetry.Event) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, codec_version, blob FROM raw_batches
		WHERE last_enqueued_at >= ?
		ORDER BY written_at ASC`,
		since.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("scan query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var batchID int64
		var version CodecVersion
		var blob []byte
		if err := rows.Scan(&batchID, &version, &blob); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}

		events, err := decode(version, blob)
		if err != nil {
			return fmt.Errorf("decode batch %d: %w", batchID, err)
		}

		for _, e := range events {
			if telemetry.SessionKey(e.Platform, e.ExternalSessionID) != sessionKey {
				continue
			}
			if e.EnqueuedAt.Before(since) {
				continue
			}
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM raw_batches WHERE written_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB so sibling concerns that must share
// this store's single-writer connection (the CDC fallback log, in
// particular) can open their own tables against it instead of fighting
// over a second SQLite writer on the same file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

var _ Store = (*SQLiteStore)(nil)
