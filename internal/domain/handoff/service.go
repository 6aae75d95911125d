// Package handoff manages the human-operator escalation path: moving a
// conversation out of automation, assigning it to an operator, and
// releasing it back. Layered on the same optimistic controller as the
// rest of the lifecycle so assignment races resolve through the version
// check.
package handoff

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"relay-server/services/conversation-api/internal/domain/conversation"
	"relay-server/services/conversation-api/internal/domain/optimistic"
	"relay-server/services/conversation-api/internal/infrastructure/metrics"
)

// Service is the operator-facing slice of the lifecycle.
type Service interface {
	RequestHandoff(ctx context.Context, publicID string, actor conversation.SenderKind, reason string) (*conversation.Conversation, error)
	AssignAgent(ctx context.Context, publicID, agentID string) (*conversation.Conversation, error)
	ReleaseToAutomation(ctx context.Context, publicID string) (*conversation.Conversation, error)
	ListWorkQueue(ctx context.Context, ownerID string, agentID *string, limit int) ([]*conversation.Conversation, error)
}

type DefaultService struct {
	repo   conversation.Repository
	ctrl   *optimistic.Controller
	timers conversation.Timers
	log    zerolog.Logger
}

func NewService(repo conversation.Repository, ctrl *optimistic.Controller, timers conversation.Timers, log zerolog.Logger) *DefaultService {
	return &DefaultService{
		repo:   repo,
		ctrl:   ctrl,
		timers: timers,
		log:    log.With().Str("component", "handoff").Logger(),
	}
}

// RequestHandoff parks the conversation with the human operator pool.
// The automated deadline is cleared: a conversation waiting for an
// operator never expires out from under them.
func (s *DefaultService) RequestHandoff(ctx context.Context, publicID string, actor conversation.SenderKind, reason string) (*conversation.Conversation, error) {
	var from conversation.Status
	updated, err := s.ctrl.Apply(ctx, publicID, func(c *conversation.Conversation) error {
		next, terr := c.Status.TransitionTo(conversation.StatusHumanHandoff)
		if terr != nil {
			return fmt.Errorf("%s to %s: %w", c.Status, conversation.StatusHumanHandoff, terr)
		}
		now := time.Now().UTC()
		from = c.Status
		c.Status = next
		c.HandoffAt = &now
		c.AgentID = nil
		c.ExpiresAt = nil
		c.RecordTransition(from, next, actor, reason, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordTransition(string(from), string(updated.Status))
	s.log.Info().Str("conversation_id", publicID).Str("reason", reason).
		Msg("conversation handed off to operators")
	return updated, nil
}

// AssignAgent claims a waiting handoff for one operator. Reassignment of
// an already-claimed conversation is allowed; two operators claiming
// concurrently race through the version check and the loser sees the
// winner's id on re-read.
func (s *DefaultService) AssignAgent(ctx context.Context, publicID, agentID string) (*conversation.Conversation, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent id is empty", conversation.ErrValidation)
	}
	return s.ctrl.Apply(ctx, publicID, func(c *conversation.Conversation) error {
		if c.Status != conversation.StatusHumanHandoff {
			return fmt.Errorf("conversation is %s, not awaiting an operator: %w", c.Status, conversation.ErrInvalidTransition)
		}
		now := time.Now().UTC()
		previous := ""
		if c.AgentID != nil {
			previous = *c.AgentID
		}
		c.AgentID = &agentID
		c.AppendAudit(map[string]any{
			"action":         "agent_assigned",
			"agent_id":       agentID,
			"previous_agent": previous,
			"at":             now.Format(time.RFC3339),
		})
		return nil
	})
}

// ReleaseToAutomation hands the conversation back to the automated flow
// with a fresh progress deadline.
func (s *DefaultService) ReleaseToAutomation(ctx context.Context, publicID string) (*conversation.Conversation, error) {
	var from conversation.Status
	updated, err := s.ctrl.Apply(ctx, publicID, func(c *conversation.Conversation) error {
		if c.Status != conversation.StatusHumanHandoff {
			return fmt.Errorf("conversation is %s, not in handoff: %w", c.Status, conversation.ErrInvalidTransition)
		}
		next, terr := c.Status.TransitionTo(conversation.StatusInProgress)
		if terr != nil {
			return terr
		}
		now := time.Now().UTC()
		from = c.Status
		c.Status = next
		c.AgentID = nil
		expires := now.Add(s.timers.ProgressWindow)
		c.ExpiresAt = &expires
		c.RecordTransition(from, next, conversation.SenderOperator, "released to automation", now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordTransition(string(from), string(updated.Status))
	return updated, nil
}

// ListWorkQueue returns the owner's conversations waiting on operators.
// agentID nil lists the whole queue; set, only that operator's claims.
func (s *DefaultService) ListWorkQueue(ctx context.Context, ownerID string, agentID *string, limit int) ([]*conversation.Conversation, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: owner id is empty", conversation.ErrValidation)
	}
	status := conversation.StatusHumanHandoff
	return s.repo.FindByFilter(ctx, conversation.Filter{
		OwnerID: &ownerID,
		Status:  &status,
		AgentID: agentID,
	}, limit)
}
