// Package sweeper runs the periodic deadline passes: expiring
// conversations whose deadline is behind us and parking stale in-progress
// conversations in the idle grace state.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"relay-server/services/conversation-api/internal/domain/conversation"
	"relay-server/services/conversation-api/internal/domain/lifecycle"
	"relay-server/services/conversation-api/internal/infrastructure/metrics"
	"relay-server/services/conversation-api/internal/infrastructure/observability"
)

// Config bounds a single sweep.
type Config struct {
	BatchSize     int
	IdleThreshold time.Duration
}

// DefaultConfig returns the stock sweep bounds.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		IdleThreshold: conversation.DefaultTimers().IdleThreshold,
	}
}

// Sweeper walks deadline candidates and applies the corresponding
// lifecycle transition one record at a time. Every transition goes
// through the optimistic controller, so a sweep racing live traffic
// loses gracefully: the candidate list is a snapshot, the re-read inside
// the controller is the truth.
type Sweeper struct {
	repo conversation.Repository
	svc  lifecycle.Service
	cfg  Config
	log  zerolog.Logger
}

func New(repo conversation.Repository, svc lifecycle.Service, cfg Config, log zerolog.Logger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultConfig().IdleThreshold
	}
	return &Sweeper{
		repo: repo,
		svc:  svc,
		cfg:  cfg,
		log:  log.With().Str("component", "sweeper").Logger(),
	}
}

// RunExpirationSweep expires every non-terminal conversation whose
// deadline has passed. Returns how many conversations were expired.
func (s *Sweeper) RunExpirationSweep(ctx context.Context) (int, error) {
	ctx, span := observability.GetTracer().Start(ctx, "sweep.expiration")
	now := time.Now().UTC()
	candidates, err := s.repo.FindPastDeadline(ctx, now, s.cfg.BatchSize)
	expired := 0
	defer func() {
		span.SetAttributes(observability.SweepAttributes("expiration", len(candidates), expired)...)
		span.End()
	}()
	if err != nil {
		return 0, err
	}
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if _, err := s.svc.Expire(ctx, cand.PublicID); err != nil {
			// A reactivated or already-closed candidate is not a
			// failure; the snapshot was simply stale.
			if errors.Is(err, conversation.ErrInvalidTransition) || errors.Is(err, conversation.ErrNotFound) {
				metrics.RecordSweep("expiration", "stale")
				continue
			}
			metrics.RecordSweep("expiration", "error")
			s.log.Error().Err(err).Str("conversation_id", cand.PublicID).
				Msg("expiration sweep failed on candidate")
			continue
		}
		metrics.RecordSweep("expiration", "expired")
		expired++
	}

	if len(candidates) > 0 {
		s.log.Info().Int("candidates", len(candidates)).Int("expired", expired).
			Msg("expiration sweep finished")
	}
	return expired, nil
}

// RunIdleScan parks in-progress conversations with no message activity
// past the idle threshold. Returns how many conversations went idle.
func (s *Sweeper) RunIdleScan(ctx context.Context) (int, error) {
	ctx, span := observability.GetTracer().Start(ctx, "sweep.idle")
	cutoff := time.Now().UTC().Add(-s.cfg.IdleThreshold)
	candidates, err := s.repo.FindIdleSince(ctx, cutoff, s.cfg.BatchSize)
	idled := 0
	defer func() {
		span.SetAttributes(observability.SweepAttributes("idle", len(candidates), idled)...)
		span.End()
	}()
	if err != nil {
		return 0, err
	}
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return idled, err
		}
		if _, err := s.svc.MarkIdle(ctx, cand.PublicID); err != nil {
			if errors.Is(err, conversation.ErrInvalidTransition) || errors.Is(err, conversation.ErrNotFound) {
				metrics.RecordSweep("idle", "stale")
				continue
			}
			metrics.RecordSweep("idle", "error")
			s.log.Error().Err(err).Str("conversation_id", cand.PublicID).
				Msg("idle scan failed on candidate")
			continue
		}
		metrics.RecordSweep("idle", "idled")
		idled++
	}

	if len(candidates) > 0 {
		s.log.Info().Int("candidates", len(candidates)).Int("idled", idled).
			Msg("idle scan finished")
	}
	return idled, nil
}
