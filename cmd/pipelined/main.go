/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Pipeline entry point wiring config, logging, the Redis
             stream client, the raw store, the fast-path consumer and
             sweeper, the worker pool with its derived-state builders,
             the backpressure monitor, and chain-of-custody tracking
             into one supervised process with graceful shutdown.
Root Cause:  The pipeline needs one process that starts every
             subsystem in the right order and stops them all cleanly
             on a signal, trusting pending-entry recovery to pick up
             whatever was in flight on restart.
Suitability: L3 — process wiring and lifecycle, no novel logic.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/aculich/bp-telemetry-core/internal/config"
	"github.com/aculich/bp-telemetry-core/internal/conversation"
	"github.com/aculich/bp-telemetry-core/internal/dedup"
	"github.com/aculich/bp-telemetry-core/internal/dlq"
	"github.com/aculich/bp-telemetry-core/internal/fastpath"
	"github.com/aculich/bp-telemetry-core/internal/health"
	"github.com/aculich/bp-telemetry-core/internal/logging"
	"github.com/aculich/bp-telemetry-core/internal/metricsagg"
	"github.com/aculich/bp-telemetry-core/internal/rawstore"
	"github.com/aculich/bp-telemetry-core/internal/streams"
	"github.com/aculich/bp-telemetry-core/internal/workerpool"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("telemetry pipeline starting")

	client, err := streams.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis client init failed")
	}
	defer client.Close()

	rawStore, err := rawstore.OpenSQLiteStore(cfg.RawStorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("raw store open failed")
	}
	defer rawStore.Close()

	fallbackLog, err := fastpath.NewSQLFallbackLog(rawStore.DB())
	if err != nil {
		log.Fatal().Err(err).Msg("fallback log init failed")
	}

	convStore, err := conversation.OpenSQLiteStore(siblingDBPath(cfg.RawStorePath, "conversation.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("conversation store open failed")
	}
	defer convStore.Close()

	metricsStore, err := metricsagg.OpenStore(siblingDBPath(cfg.RawStorePath, "metrics.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("metrics store open failed")
	}
	defer metricsStore.Close()

	convDedup, err := dedup.Open(convStore.DB())
	if err != nil {
		log.Fatal().Err(err).Msg("conversation dedup index open failed")
	}
	metricsDedup, err := dedup.Open(metricsStore.DB())
	if err != nil {
		log.Fatal().Err(err).Msg("metrics dedup index open failed")
	}

	custody := health.NewTracker(metricsStore, log)
	dlqWriter := dlq.NewWriter(client, cfg.DLQStream)

	consumer := fastpath.New(fastpath.Config{
		Client:               client,
		Store:                rawStore,
		DLQWriter:            dlqWriter,
		Fallback:             fallbackLog,
		Custody:              custody,
		Logger:               log,
		IngressStream:        cfg.IngressStream,
		CDCStream:            cfg.CDCStream,
		Group:                cfg.ConsumerGroup,
		ConsumerID:           cfg.ConsumerID,
		BMax:                 cfg.BMax,
		TPoll:                cfg.TPoll,
		TBatch:               cfg.TBatch,
		TStuck:               cfg.TStuck,
		RecoveryPeriod:       cfg.RecoveryPeriod,
		RMax:                 cfg.RMax,
		CDCAppendTimeout:     cfg.CDCAppendTimeout,
		InlineThresholdBytes: cfg.CDCInlineThresholdBytes,
	})

	sweeper := fastpath.NewSweeper(fallbackLog, rawStore, client, cfg.CDCStream, cfg.SweepInterval, cfg.CDCInlineThresholdBytes, log)

	convBuilder := conversation.NewBuilder(convStore, convDedup, log)
	metricsBuilder := metricsagg.NewBuilder(metricsStore, metricsDedup, log)

	pool := workerpool.New(workerpool.Config{
		Client:             client,
		RawStore:           rawStore,
		DLQWriter:           dlqWriter,
		Custody:            custody,
		Builders:           []workerpool.Builder{convBuilder, metricsBuilder},
		Logger:             log,
		CDCStream:          cfg.CDCStream,
		Group:              "workerpool-consumers",
		NWorkers:           cfg.NWorkers,
		TPoll:              cfg.TPoll,
		RMaxBuilder:        cfg.RMaxBuilder,
		BuilderBaseBackoff: cfg.BuilderBaseBackoff,
		BuilderMaxBackoff:  cfg.BuilderMaxBackoff,
	})

	monitor := workerpool.NewBackpressureMonitor(
		client, cfg.CDCStream, "workerpool-consumers", cfg.TMon,
		workerpool.Thresholds{Warn: cfg.DepthWarn, Shed: cfg.DepthShed, ShedPause: cfg.DepthShedPause},
		workerpool.BaseTunables{BMax: cfg.BMax, TBatch: cfg.TBatch, TPause: cfg.TPause},
		consumer, log,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { sweeper.Run(gctx); return nil })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { monitor.Run(gctx); return nil })
	g.Go(func() error { custody.FlushLoop(gctx, cfg.TMon); return nil })

	log.Info().Msg("pipeline running")
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("pipeline component exited with error")
	}
	log.Info().Msg("pipeline stopped")
}

// siblingDBPath places a derived-state database next to the raw store's
// file, so a single RAW_STORE_PATH configures the whole data directory.
func siblingDBPath(rawStorePath, name string) string {
	return filepath.Join(filepath.Dir(rawStorePath), name)
}
