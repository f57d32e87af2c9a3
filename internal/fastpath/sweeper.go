/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Periodically re-publishes CDC records for batches the
             fallback log recorded as under-published, then removes
             them from the fallback log once confirmed.
Root Cause:  A CDC append can fail after the raw-store commit has
             already succeeded; without a sweeper those events would
             never reach the worker pool at all.
Suitability: L2 — polling reconciliation loop over a known table.
──────────────────────────────────────────────────────────────
*/

package fastpath

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aculich/bp-telemetry-core/internal/cdc"
	"github.com/aculich/bp-telemetry-core/internal/rawstore"
	"github.com/aculich/bp-telemetry-core/internal/streams"
)

// FallbackLog records batches whose CDC publish step (§4.2 step 2)
// failed to append every record, so a background sweeper can retry them
// without blocking acknowledgement.
type FallbackLog interface {
	// Record marks batchID as having unpublished CDC records.
	Record(ctx context.Context, batchID int64) error
	// Pending returns batch ids still awaiting a successful sweep.
	Pending(ctx context.Context, limit int) ([]int64, error)
	// Clear removes batchID once its CDC records are confirmed published.
	Clear(ctx context.Context, batchID int64) error
}

// SQLFallbackLog backs FallbackLog with the same SQLite database as the
// raw store's cdc_unpublished table (§4.2).
type SQLFallbackLog struct {
	db *sql.DB
}

// NewSQLFallbackLog ensures the cdc_unpublished table exists on db and
// returns a FallbackLog over it.
func NewSQLFallbackLog(db *sql.DB) (*SQLFallbackLog, error) {
	const schema = `
	CREATE TABLE IF NOT EXISTS cdc_unpublished (
		batch_id   INTEGER PRIMARY KEY,
		recorded_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate cdc_unpublished schema: %w", err)
	}
	return &SQLFallbackLog{db: db}, nil
}

func (l *SQLFallbackLog) Record(ctx context.Context, batchID int64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO cdc_unpublished (batch_id, recorded_at) VALUES (?, ?)
		 ON CONFLICT(batch_id) DO NOTHING`,
		batchID, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record cdc_unpublished batch %d: %w", batchID, err)
	}
	return nil
}

func (l *SQLFallbackLog) Pending(ctx context.Context, limit int) ([]int64, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT batch_id FROM cdc_unpublished ORDER BY recorded_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cdc_unpublished: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cdc_unpublished row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (l *SQLFallbackLog) Clear(ctx context.Context, batchID int64) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM cdc_unpublished WHERE batch_id = ?`, batchID)
	if err != nil {
		return fmt.Errorf("clear cdc_unpublished batch %d: %w", batchID, err)
	}
	return nil
}

// Sweeper periodically re-publishes CDC records for batches recorded in
// the fallback log (§4.2's "background sweeper").
type Sweeper struct {
	log             FallbackLog
	store           rawstore.Store
	client          streams.Client
	cdcStream       string
	interval        time.Duration
	inlineThreshold int
	logger          zerolog.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(log FallbackLog, store rawstore.Store, client streams.Client, cdcStream string, interval time.Duration, inlineThreshold int, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		log:             log,
		store:           store,
		client:          client,
		cdcStream:       cdcStream,
		interval:        interval,
		inlineThreshold: inlineThreshold,
		logger:          logger.With().Str("component", "fastpath-sweeper").Logger(),
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	ids, err := s.log.Pending(ctx, 100)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to list pending cdc_unpublished batches")
		return
	}

	for _, batchID := range ids {
		if err := s.resweepBatch(ctx, batchID); err != nil {
			s.logger.Warn().Err(err).Int64("batch_id", batchID).Msg("cdc resweep failed; will retry next interval")
			continue
		}
		if err := s.log.Clear(ctx, batchID); err != nil {
			s.logger.Error().Err(err).Int64("batch_id", batchID).Msg("failed to clear cdc_unpublished entry after successful resweep")
		}
	}
}

func (s *Sweeper) resweepBatch(ctx context.Context, batchID int64) error {
	events, err := s.store.Read(ctx, batchID)
	if err != nil {
		return fmt.Errorf("read batch %d: %w", batchID, err)
	}

	for i, e := range events {
		rec, err := cdc.FromEvent(fmt.Sprintf("%d-%d", batchID, i), e, batchID, i, s.inlineThreshold)
		if err != nil {
			return fmt.Errorf("build cdc record for batch %d index %d: %w", batchID, i, err)
		}
		values, err := rec.ToValues()
		if err != nil {
			return fmt.Errorf("encode cdc record for batch %d index %d: %w", batchID, i, err)
		}
		if _, err := s.client.Add(ctx, s.cdcStream, values, 0); err != nil {
			return fmt.Errorf("publish cdc record for batch %d index %d: %w", batchID, i, err)
		}
	}
	return nil
}
