/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Counter/gauge/histogram tables keyed by (name, labels[,
             bucket]), each with a plain and a Tx-suffixed variant so
             a caller can share a transaction with a dedup mark.
Root Cause:  The aggregator's per-metric dedup mark and the metric
             write it guards must commit together, so every write path
             needs a transaction-scoped twin.
Suitability: L2 — CRUD plus the shared execer abstraction.
──────────────────────────────────────────────────────────────
*/

// Package metricsagg computes derived metrics from CDC records and
// persists them to a durable counter/gauge/histogram store (§4.4.2,
// §6.3). The registry shape mirrors the in-memory pattern used
// elsewhere in the stack, adapted here to a SQLite-backed store so
// aggregates survive a process restart the way the rest of the derived
// state does.
package metricsagg

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS metric_counters (
	name   TEXT NOT NULL,
	labels TEXT NOT NULL,
	value  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (name, labels)
);

CREATE TABLE IF NOT EXISTS metric_gauges (
	name   TEXT NOT NULL,
	labels TEXT NOT NULL,
	value  REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (name, labels)
);

CREATE TABLE IF NOT EXISTS metric_histogram_buckets (
	name   TEXT NOT NULL,
	labels TEXT NOT NULL,
	bucket REAL NOT NULL,
	count  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (name, labels, bucket)
);

CREATE TABLE IF NOT EXISTS metric_histogram_totals (
	name   TEXT NOT NULL,
	labels TEXT NOT NULL,
	sum    REAL NOT NULL DEFAULT 0,
	count  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (name, labels)
);
`

// labelKey renders labels as a deterministic, sorted string so distinct
// label sets never collide and identical ones always hit the same row
// (grounded on the teacher's metrics registry label-key scheme).
func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return strings.Join(parts, ",")
}

// expBuckets returns the exponential bucket boundaries 1, 2, 4, ...,
// 16384 ms mandated for tool_latency_ms (§4.4.2).
func expBuckets() []float64 {
	bounds := make([]float64, 0, 15)
	for v := 1.0; v <= 16384; v *= 2 {
		bounds = append(bounds, v)
	}
	return bounds
}

// Store is the durable counter/gauge/histogram registry derived metrics
// are written to, keyed by (name, labels[, bucket]) per §6.3.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if absent) the SQLite database at path and
// ensures its schema is in place.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate metrics schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying *sql.DB so callers (the dedup index, in
// particular) can share the same connection without a second pool
// fighting over the single-writer lock.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside one transaction against this store's database,
// committing on a nil return and rolling back otherwise. The aggregator
// uses this to fold a dedup.TryMarkTx check and the metric write it
// guards into a single atomic unit (§6.3, §8), so a transient write
// failure can't leave the dedup mark committed with its write lost.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// AddCounter adds delta to name{labels}, creating the row if absent.
func (s *Store) AddCounter(ctx context.Context, name string, labels map[string]string, delta int64) error {
	return addCounter(ctx, s.db, name, labels, delta)
}

// AddCounterTx is AddCounter against an already-open transaction, for
// callers that need it to commit atomically alongside a dedup mark.
func (s *Store) AddCounterTx(ctx context.Context, tx *sql.Tx, name string, labels map[string]string, delta int64) error {
	return addCounter(ctx, tx, name, labels, delta)
}

func addCounter(ctx context.Context, ex execer, name string, labels map[string]string, delta int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO metric_counters (name, labels, value) VALUES (?, ?, ?)
		ON CONFLICT(name, labels) DO UPDATE SET value = value + excluded.value`,
		name, labelKey(labels), delta,
	)
	if err != nil {
		return fmt.Errorf("add counter %s: %w", name, err)
	}
	return nil
}

// CounterValue returns name{labels}'s current value, 0 if never set.
func (s *Store) CounterValue(ctx context.Context, name string, labels map[string]string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metric_counters WHERE name = ? AND labels = ?`, name, labelKey(labels)).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", name, err)
	}
	return v, nil
}

// SetGauge sets name{labels} to value.
func (s *Store) SetGauge(ctx context.Context, name string, labels map[string]string, value float64) error {
	return setGauge(ctx, s.db, name, labels, value)
}

func setGauge(ctx context.Context, ex execer, name string, labels map[string]string, value float64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO metric_gauges (name, labels, value) VALUES (?, ?, ?)
		ON CONFLICT(name, labels) DO UPDATE SET value = excluded.value`,
		name, labelKey(labels), value,
	)
	if err != nil {
		return fmt.Errorf("set gauge %s: %w", name, err)
	}
	return nil
}

// AddGauge adds delta (possibly negative) to name{labels}'s value.
func (s *Store) AddGauge(ctx context.Context, name string, labels map[string]string, delta float64) error {
	return addGauge(ctx, s.db, name, labels, delta)
}

// AddGaugeTx is AddGauge against an already-open transaction.
func (s *Store) AddGaugeTx(ctx context.Context, tx *sql.Tx, name string, labels map[string]string, delta float64) error {
	return addGauge(ctx, tx, name, labels, delta)
}

func addGauge(ctx context.Context, ex execer, name string, labels map[string]string, delta float64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO metric_gauges (name, labels, value) VALUES (?, ?, ?)
		ON CONFLICT(name, labels) DO UPDATE SET value = value + excluded.value`,
		name, labelKey(labels), delta,
	)
	if err != nil {
		return fmt.Errorf("adjust gauge %s: %w", name, err)
	}
	return nil
}

// GaugeValue returns name{labels}'s current value, 0 if never set.
func (s *Store) GaugeValue(ctx context.Context, name string, labels map[string]string) (float64, error) {
	var v float64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metric_gauges WHERE name = ? AND labels = ?`, name, labelKey(labels)).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read gauge %s: %w", name, err)
	}
	return v, nil
}

// ObserveHistogram records v in name{labels}'s exponential-bucket
// histogram (§4.4.2), placing it in the first bucket boundary it does
// not exceed, or the implicit +Inf bucket (bucket = -1 sentinel). The
// bucket and running-sum updates commit as one transaction of their own.
func (s *Store) ObserveHistogram(ctx context.Context, name string, labels map[string]string, v float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin histogram tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := observeHistogram(ctx, tx, name, labels, v); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit histogram observation %s: %w", name, err)
	}
	return nil
}

// ObserveHistogramTx is ObserveHistogram folded into a caller-owned
// transaction instead of committing its own.
func (s *Store) ObserveHistogramTx(ctx context.Context, tx *sql.Tx, name string, labels map[string]string, v float64) error {
	return observeHistogram(ctx, tx, name, labels, v)
}

func observeHistogram(ctx context.Context, ex execer, name string, labels map[string]string, v float64) error {
	key := labelKey(labels)
	bucket := -1.0 // +Inf sentinel
	for _, b := range expBuckets() {
		if v <= b {
			bucket = b
			break
		}
	}

	if _, err := ex.ExecContext(ctx, `
		INSERT INTO metric_histogram_buckets (name, labels, bucket, count) VALUES (?, ?, ?, 1)
		ON CONFLICT(name, labels, bucket) DO UPDATE SET count = count + 1`,
		name, key, bucket,
	); err != nil {
		return fmt.Errorf("observe histogram bucket %s: %w", name, err)
	}

	if _, err := ex.ExecContext(ctx, `
		INSERT INTO metric_histogram_totals (name, labels, sum, count) VALUES (?, ?, ?, 1)
		ON CONFLICT(name, labels) DO UPDATE SET sum = sum + excluded.sum, count = count + 1`,
		name, key, v,
	); err != nil {
		return fmt.Errorf("observe histogram total %s: %w", name, err)
	}
	return nil
}

// HistogramBucketCount returns the per-bucket count for name{labels} at
// the given boundary (pass -1 for the +Inf bucket).
func (s *Store) HistogramBucketCount(ctx context.Context, name string, labels map[string]string, bucket float64) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM metric_histogram_buckets WHERE name = ? AND labels = ? AND bucket = ?`,
		name, labelKey(labels), bucket,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read histogram bucket %s: %w", name, err)
	}
	return v, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
