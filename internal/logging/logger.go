/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L1
Logic:       Builds one zerolog.Logger from config: console writer in
             development, plain JSON-to-stderr otherwise.
Root Cause:  Every component needs the same logger shape; constructing
             it once and passing it by value avoids a package global.
Suitability: L1 — single constructor, no branching beyond env switch.
──────────────────────────────────────────────────────────────
*/

// Package logging constructs the single zerolog.Logger each process
// wires through its component graph by value — no package-level global.
package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/aculich/bp-telemetry-core/internal/config"
)

// New returns a configured zerolog.Logger for the given config.
func New(cfg config.Config) zerolog.Logger {
	var writer zerolog.ConsoleWriter
	var log zerolog.Logger

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.Env == "development" {
		writer = zerolog.ConsoleWriter{Out: os.Stderr}
		log = zerolog.New(writer).With().Timestamp().Logger()
	} else {
		log = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return log
}
