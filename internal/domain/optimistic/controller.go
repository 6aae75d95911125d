// Package optimistic centralizes the read-retry-write loop around the
// record store's conditional update, so every call site gets identical
// backoff and attempt-bound behavior.
package optimistic

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"relay-server/services/conversation-api/internal/domain/conversation"
	"relay-server/services/conversation-api/internal/domain/retry"
	"relay-server/services/conversation-api/internal/infrastructure/metrics"
)

// Mutator applies a logical operation to a freshly read conversation. It
// is re-invoked against the latest record on every conflict retry, never
// replayed against a stale in-memory value.
type Mutator func(conv *conversation.Conversation) error

// Controller wraps read-modify-write against the conversation store using
// the monotonically increasing version counter.
type Controller struct {
	repo   conversation.Repository
	policy retry.Policy
	log    zerolog.Logger
}

// NewController builds a controller with the given conflict policy.
func NewController(repo conversation.Repository, policy retry.Policy, log zerolog.Logger) *Controller {
	return &Controller{
		repo:   repo,
		policy: policy,
		log:    log.With().Str("component", "optimistic-controller").Logger(),
	}
}

// Apply reads the record, runs mutate on it, and issues a conditional
// write against the version it read. On a version conflict it re-reads
// and re-applies up to the policy's attempt bound, then surfaces the
// conflict. Any non-conflict error from mutate or the store propagates
// immediately; an exhausted retry budget is never reported as success.
func (c *Controller) Apply(ctx context.Context, publicID string, mutate Mutator) (*conversation.Conversation, error) {
	var lastErr error

	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conv, err := c.repo.FindByPublicID(ctx, publicID)
		if err != nil {
			return nil, err
		}

		expected := conv.Version
		if err := mutate(conv); err != nil {
			return nil, err
		}

		err = c.repo.ConditionalUpdate(ctx, conv, expected)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, conversation.ErrVersionConflict) {
			return nil, err
		}

		lastErr = err
		metrics.RecordVersionConflict()
		c.log.Debug().
			Str("conversation_id", publicID).
			Int64("expected_version", expected).
			Int("attempt", attempt+1).
			Msg("version conflict, re-reading")

		if attempt < c.policy.MaxRetries {
			if err := c.wait(ctx, c.policy.CalculateDelay(attempt+1)); err != nil {
				return nil, err
			}
		}
	}

	metrics.RecordConflictRetriesExhausted()
	c.log.Warn().
		Str("conversation_id", publicID).
		Int("max_retries", c.policy.MaxRetries).
		Msg("conflict retries exhausted, surfacing to caller")
	return nil, lastErr
}

func (c *Controller) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
