package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"relay-server/services/conversation-api/internal/domain/closure"
	"relay-server/services/conversation-api/internal/domain/conversation"
	"relay-server/services/conversation-api/internal/domain/optimistic"
	"relay-server/services/conversation-api/internal/infrastructure/metrics"
	"relay-server/services/conversation-api/internal/infrastructure/observability"
)

// ReplyScheduler hands an inbound message off for automated reply
// generation. Implemented by the postgres reply queue.
type ReplyScheduler interface {
	ScheduleReply(ctx context.Context, conversationPublicID, messagePublicID string) error
}

// Notifier is told about conversations that reached a terminal status.
// Implemented by the webhook dispatcher.
type Notifier interface {
	NotifyClosed(ctx context.Context, conv *conversation.Conversation, reason string)
}

// Service drives the conversation lifecycle: message ingestion, explicit
// closes, deadline extension, and the idle/expire transitions the sweeper
// invokes. All status mutations run through the optimistic controller so
// concurrent writers converge on a single committed record.
type Service interface {
	FindOrCreate(ctx context.Context, ownerID, participantA, participantB string) (*conversation.Conversation, error)
	Get(ctx context.Context, publicID string) (*conversation.Conversation, error)
	AddMessage(ctx context.Context, publicID string, params conversation.MessageParams) (*conversation.Message, *conversation.Conversation, error)
	Close(ctx context.Context, publicID string, target conversation.Status, actor conversation.SenderKind, reason string) (*conversation.Conversation, error)
	ExtendExpiration(ctx context.Context, publicID string, extra time.Duration) (*conversation.Conversation, error)
	MarkIdle(ctx context.Context, publicID string) (*conversation.Conversation, error)
	Expire(ctx context.Context, publicID string) (*conversation.Conversation, error)
	ListMessages(ctx context.Context, publicID string, limit int) ([]conversation.Message, error)
	List(ctx context.Context, filter conversation.Filter, limit int) ([]*conversation.Conversation, error)
}

type DefaultService struct {
	repo      conversation.Repository
	messages  conversation.MessageRepository
	finder    *conversation.Finder
	ctrl      *optimistic.Controller
	detector  *closure.Detector
	scheduler ReplyScheduler
	notifier  Notifier
	timers    conversation.Timers
	log       zerolog.Logger
}

func NewService(
	repo conversation.Repository,
	messages conversation.MessageRepository,
	finder *conversation.Finder,
	ctrl *optimistic.Controller,
	detector *closure.Detector,
	scheduler ReplyScheduler,
	notifier Notifier,
	timers conversation.Timers,
	log zerolog.Logger,
) *DefaultService {
	return &DefaultService{
		repo:      repo,
		messages:  messages,
		finder:    finder,
		ctrl:      ctrl,
		detector:  detector,
		scheduler: scheduler,
		notifier:  notifier,
		timers:    timers,
		log:       log.With().Str("component", "lifecycle").Logger(),
	}
}

func (s *DefaultService) FindOrCreate(ctx context.Context, ownerID, participantA, participantB string) (*conversation.Conversation, error) {
	return s.finder.FindOrCreate(ctx, ownerID, participantA, participantB)
}

func (s *DefaultService) Get(ctx context.Context, publicID string) (*conversation.Conversation, error) {
	return s.repo.FindByPublicID(ctx, publicID)
}

func (s *DefaultService) List(ctx context.Context, filter conversation.Filter, limit int) ([]*conversation.Conversation, error) {
	return s.repo.FindByFilter(ctx, filter, limit)
}

func (s *DefaultService) ListMessages(ctx context.Context, publicID string, limit int) ([]conversation.Message, error) {
	conv, err := s.repo.FindByPublicID(ctx, publicID)
	if err != nil {
		return nil, err
	}
	return s.messages.ListRecent(ctx, conv.ID, limit)
}

// AddMessage persists the message, then applies the lifecycle consequences
// under optimistic concurrency: activity timestamp, reactivation out of
// idle, pending-to-progress on the first non-user turn, and any closure
// the detector calls for. The message itself survives even when the
// lifecycle update is rejected; only the automated reply is skipped.
func (s *DefaultService) AddMessage(ctx context.Context, publicID string, params conversation.MessageParams) (*conversation.Message, *conversation.Conversation, error) {
	if err := params.Validate(); err != nil {
		return nil, nil, err
	}
	ctx, span := observability.GetTracer().Start(ctx, "lifecycle.add_message")
	defer span.End()

	conv, err := s.repo.FindByPublicID(ctx, publicID)
	if err != nil {
		return nil, nil, err
	}
	span.SetAttributes(observability.ConversationAttributes(conv.PublicID, conv.OwnerID, string(conv.Status))...)
	if conv.Status.IsTerminal() {
		return nil, nil, fmt.Errorf("conversation %s is %s: %w", publicID, conv.Status, conversation.ErrInvalidTransition)
	}

	msg := conversation.NewMessage(conv.ID, params.Direction, params.Sender, params.Body, params.Metadata)
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, nil, fmt.Errorf("persist message: %w", err)
	}

	decision := s.detect(ctx, conv, msg, params)

	var closedFrom conversation.Status
	updated, err := s.ctrl.Apply(ctx, publicID, func(c *conversation.Conversation) error {
		now := time.Now().UTC()
		c.LastMessageAt = &now

		switch {
		case c.Status == conversation.StatusIdleTimeout:
			// Any traffic wakes an idle conversation before the
			// message is processed further.
			c.Status = conversation.StatusInProgress
			expires := now.Add(s.timers.ProgressWindow)
			c.ExpiresAt = &expires
			c.RecordTransition(conversation.StatusIdleTimeout, conversation.StatusInProgress, params.Sender, "reactivated by message", now)
		case c.Status == conversation.StatusPending && startsProgress(params.Sender):
			c.Status = conversation.StatusInProgress
			expires := now.Add(s.timers.ProgressWindow)
			c.ExpiresAt = &expires
			c.RecordTransition(conversation.StatusPending, conversation.StatusInProgress, params.Sender, "first responder turn", now)
		case c.Status.IsTerminal():
			// Re-read on a retry may land on a record another writer
			// already closed. The message stays; nothing else happens.
			return fmt.Errorf("conversation closed concurrently: %w", conversation.ErrInvalidTransition)
		}

		if decision.ShouldClose && c.Status != conversation.StatusHumanHandoff {
			from := c.Status
			next, terr := from.TransitionTo(decision.SuggestedStatus)
			if terr == nil {
				closedFrom = from
				c.Status = next
				c.EndedAt = &now
				c.ExpiresAt = nil
				c.RecordTransition(from, next, conversation.SenderEndUser,
					fmt.Sprintf("closure intent detected (confidence %.2f)", decision.Confidence), now)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, conversation.ErrInvalidTransition) {
			s.log.Warn().Str("conversation_id", publicID).
				Msg("message persisted on concurrently closed conversation, reply skipped")
			return msg, conv, nil
		}
		return msg, nil, err
	}

	if decision.Flagged && !decision.ShouldClose {
		s.log.Info().Str("conversation_id", publicID).
			Float64("confidence", decision.Confidence).
			Strs("reasons", decision.Reasons).
			Msg("conversation flagged as probably finished")
	}
	if updated.Status.IsTerminal() {
		metrics.RecordTransition(string(closedFrom), string(updated.Status))
		s.notify(ctx, updated, "closure_intent")
		return msg, updated, nil
	}

	s.scheduleReply(ctx, publicID, msg, params, updated.Status)
	return msg, updated, nil
}

// detect runs closure detection once, before the mutation loop. The
// resulting decision is re-validated against the freshly read status on
// every optimistic attempt, so a stale decision can never resurrect or
// double-close a conversation.
func (s *DefaultService) detect(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message, params conversation.MessageParams) closure.Decision {
	if params.Sender != conversation.SenderEndUser ||
		conv.Status == conversation.StatusHumanHandoff {
		return closure.Decision{}
	}
	history, err := s.messages.ListRecent(ctx, conv.ID, s.detector.HistoryWindow())
	if err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conv.PublicID).
			Msg("history fetch failed, detector runs on the message alone")
		history = nil
	}
	decision := s.detector.Detect(msg, conv, history)
	switch {
	case decision.ShouldClose:
		metrics.RecordClosureDecision("auto_close")
	case decision.Flagged:
		metrics.RecordClosureDecision("flagged")
	default:
		metrics.RecordClosureDecision("none")
	}
	return decision
}

func (s *DefaultService) scheduleReply(ctx context.Context, publicID string, msg *conversation.Message, params conversation.MessageParams, status conversation.Status) {
	if s.scheduler == nil ||
		params.Direction != conversation.DirectionInbound ||
		params.Sender != conversation.SenderEndUser {
		return
	}
	if status != conversation.StatusPending && status != conversation.StatusInProgress {
		return
	}
	if err := s.scheduler.ScheduleReply(ctx, publicID, msg.PublicID); err != nil {
		// The message is already durable; reply generation is best effort.
		s.log.Error().Err(err).Str("conversation_id", publicID).
			Str("message_id", msg.PublicID).
			Msg("failed to enqueue automated reply")
	}
}

// Close moves the conversation to the requested terminal status. Terminal
// records never move again, whatever the rank of the request; concurrent
// closes race through the version check and the loser sees the committed
// terminal state as an invalid transition. A losing close that outranks
// the committed one is appended to the record's audit trail so support
// staff can see the stronger intent arrived late.
func (s *DefaultService) Close(ctx context.Context, publicID string, target conversation.Status, actor conversation.SenderKind, reason string) (*conversation.Conversation, error) {
	if err := conversation.ValidateCloseTarget(target); err != nil {
		return nil, err
	}
	ctx, span := observability.GetTracer().Start(ctx, "lifecycle.close")
	defer span.End()

	var from, blocking conversation.Status
	updated, err := s.ctrl.Apply(ctx, publicID, func(c *conversation.Conversation) error {
		next, terr := c.Status.TransitionTo(target)
		if terr != nil {
			blocking = c.Status
			return fmt.Errorf("%s to %s: %w", c.Status, target, terr)
		}
		now := time.Now().UTC()
		from = c.Status
		c.Status = next
		c.EndedAt = &now
		c.ExpiresAt = nil
		if from == conversation.StatusHumanHandoff {
			c.AgentID = nil
		}
		c.RecordTransition(from, next, actor, reason, now)
		return nil
	})
	if err != nil {
		if errors.Is(err, conversation.ErrInvalidTransition) && blocking.IsTerminal() &&
			target.ClosePriority() > blocking.ClosePriority() {
			s.recordOutrankedClose(ctx, publicID, blocking, target, actor, reason)
		}
		return nil, err
	}
	span.SetAttributes(observability.TransitionAttributes(publicID, string(from), string(updated.Status), string(actor))...)
	metrics.RecordTransition(string(from), string(updated.Status))
	s.notify(ctx, updated, reason)
	return updated, nil
}

// ExtendExpiration pushes the deadline out by extra, measured from the
// current deadline when one is still in the future, from now otherwise.
func (s *DefaultService) ExtendExpiration(ctx context.Context, publicID string, extra time.Duration) (*conversation.Conversation, error) {
	if extra <= 0 {
		return nil, fmt.Errorf("%w: extension must be positive", conversation.ErrValidation)
	}
	return s.ctrl.Apply(ctx, publicID, func(c *conversation.Conversation) error {
		if c.Status.IsTerminal() {
			return fmt.Errorf("conversation is %s: %w", c.Status, conversation.ErrInvalidTransition)
		}
		now := time.Now().UTC()
		base := now
		if c.ExpiresAt != nil && c.ExpiresAt.After(now) {
			base = *c.ExpiresAt
		}
		deadline := base.Add(extra)
		c.ExpiresAt = &deadline
		c.AppendAudit(map[string]any{
			"action":       "deadline_extended",
			"extended_by":  extra.String(),
			"new_deadline": deadline.Format(time.RFC3339),
			"at":           now.Format(time.RFC3339),
		})
		return nil
	})
}

// MarkIdle moves an in-progress conversation to the idle grace state and
// grants the shorter idle deadline. Invoked by the sweeper's idle scan.
func (s *DefaultService) MarkIdle(ctx context.Context, publicID string) (*conversation.Conversation, error) {
	ctx, span := observability.GetTracer().Start(ctx, "lifecycle.mark_idle")
	defer span.End()

	var from conversation.Status
	updated, err := s.ctrl.Apply(ctx, publicID, func(c *conversation.Conversation) error {
		next, terr := c.Status.TransitionTo(conversation.StatusIdleTimeout)
		if terr != nil {
			return fmt.Errorf("%s to %s: %w", c.Status, conversation.StatusIdleTimeout, terr)
		}
		now := time.Now().UTC()
		from = c.Status
		c.Status = next
		expires := now.Add(s.timers.IdleTimeoutWindow)
		c.ExpiresAt = &expires
		c.RecordTransition(from, next, conversation.SenderSystem,
			fmt.Sprintf("idle for %s", c.IdleFor(now).Round(time.Second)), now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(observability.TransitionAttributes(publicID, string(from), string(updated.Status), string(conversation.SenderSystem))...)
	metrics.RecordTransition(string(from), string(updated.Status))
	return updated, nil
}

// Expire moves a conversation whose deadline has passed to the expired
// terminal status. The audit entry distinguishes a conversation that ran
// out its normal window from one that expired after the idle grace.
func (s *DefaultService) Expire(ctx context.Context, publicID string) (*conversation.Conversation, error) {
	ctx, span := observability.GetTracer().Start(ctx, "lifecycle.expire")
	defer span.End()

	var from conversation.Status
	updated, err := s.ctrl.Apply(ctx, publicID, func(c *conversation.Conversation) error {
		next, terr := c.Status.TransitionTo(conversation.StatusExpired)
		if terr != nil {
			return fmt.Errorf("%s to %s: %w", c.Status, conversation.StatusExpired, terr)
		}
		now := time.Now().UTC()
		from = c.Status
		entry := map[string]any{
			"from":              string(from),
			"to":                string(conversation.StatusExpired),
			"actor":             string(conversation.SenderSystem),
			"expiration_reason": "normal_timeout",
			"at":                now.Format(time.RFC3339),
		}
		if from == conversation.StatusIdleTimeout {
			entry["expiration_reason"] = "extended_idle_timeout"
			entry["idle_duration"] = c.IdleFor(now).Round(time.Second).String()
		}
		c.Status = next
		c.EndedAt = &now
		c.ExpiresAt = nil
		c.AppendAudit(entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(observability.TransitionAttributes(publicID, string(from), string(updated.Status), string(conversation.SenderSystem))...)
	metrics.RecordTransition(string(from), string(updated.Status))
	s.notify(ctx, updated, "expired")
	return updated, nil
}

// recordOutrankedClose appends the rejected-but-stronger close intent to
// the terminal record's audit trail. The status itself never moves; the
// append is the only mutation a terminal record accepts.
func (s *DefaultService) recordOutrankedClose(ctx context.Context, publicID string, committed, target conversation.Status, actor conversation.SenderKind, reason string) {
	entry := map[string]any{
		"event":            "outranked_close_rejected",
		"committed_status": string(committed),
		"requested_status": string(target),
		"actor":            string(actor),
		"reason":           reason,
		"at":               time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.repo.AppendContext(ctx, publicID, entry); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", publicID).
			Msg("failed to record outranked close attempt")
	}
}

func (s *DefaultService) notify(ctx context.Context, conv *conversation.Conversation, reason string) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyClosed(ctx, conv, reason)
	entry := map[string]any{
		"event":  "closed_notification_dispatched",
		"reason": reason,
		"at":     time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.repo.AppendContext(ctx, conv.PublicID, entry); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", conv.PublicID).
			Msg("failed to record closure notification")
	}
}

// startsProgress reports whether a sender's turn counts as the first
// responder activity that moves pending to in progress. End-user traffic
// alone never does.
func startsProgress(sender conversation.SenderKind) bool {
	switch sender {
	case conversation.SenderAgent, conversation.SenderOperator, conversation.SenderSystem:
		return true
	default:
		return false
	}
}
