// Package watermark recovers per-stream positions from the record log.
package watermark

import (
	"context"

	"github.com/rs/zerolog"

	"whale-alerts/internal/clock"
	"whale-alerts/internal/storage"
)

// Store derives positions from the durable log. It keeps no state of its own.
type Store struct {
	log      storage.RecordLog
	clock    clock.Clock
	override int64
	logger   zerolog.Logger
}

// New builds a Store. A positive override is used as a lower bound for every
// recovered position and replaces "now" for streams with no records.
func New(log storage.RecordLog, clk clock.Clock, override int64, logger zerolog.Logger) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		log:      log,
		clock:    clk,
		override: override,
		logger:   logger.With().Str("component", "watermark").Logger(),
	}
}

// Load returns the position from which stream should resume. It never fails:
// an unreadable log falls back to the current time (or the override).
func (s *Store) Load(ctx context.Context, stream string) int64 {
	fallback := s.clock.Now().Unix()
	if s.override > 0 {
		fallback = s.override
	}

	if s.log == nil {
		s.logger.Warn().Str("stream", stream).Int64("position", fallback).Msg("no record log configured, starting from fallback")
		return fallback
	}

	max, found, err := s.log.MaxTimestamp(ctx, stream)
	if err != nil {
		s.logger.Warn().Err(err).Str("stream", stream).Int64("position", fallback).Msg("record log unreadable, starting from fallback")
		return fallback
	}
	if !found {
		s.logger.Info().Str("stream", stream).Int64("position", fallback).Msg("no records for stream, starting fresh")
		return fallback
	}

	if s.override > max {
		s.logger.Info().Str("stream", stream).Int64("recovered", max).Int64("position", s.override).Msg("start position override above recovered watermark")
		return s.override
	}
	s.logger.Info().Str("stream", stream).Int64("position", max).Msg("watermark recovered")
	return max
}
