// Package webhook posts terminal-transition notifications to a
// subscriber endpoint. Delivery is fire-and-forget: the transition is
// already committed and a flaky subscriber must not unwind it.
package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"relay-server/services/conversation-api/internal/domain/conversation"
)

// Notifier posts closed-conversation events.
type Notifier struct {
	httpClient *resty.Client
	enabled    bool
	log        zerolog.Logger
}

// NewNotifier builds a notifier. An empty endpoint disables delivery.
func NewNotifier(endpoint, secret string, timeout time.Duration, log zerolog.Logger) *Notifier {
	client := resty.New().
		SetBaseURL(endpoint).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if secret != "" {
		client.SetHeader("X-Webhook-Secret", secret)
	}
	return &Notifier{
		httpClient: client,
		enabled:    endpoint != "",
		log:        log.With().Str("component", "webhook").Logger(),
	}
}

type closedEvent struct {
	Event          string     `json:"event"`
	ConversationID string     `json:"conversation_id"`
	OwnerID        string     `json:"owner_id"`
	Status         string     `json:"status"`
	Reason         string     `json:"reason"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// NotifyClosed posts a conversation.closed event for a conversation that
// reached a terminal status.
func (n *Notifier) NotifyClosed(ctx context.Context, conv *conversation.Conversation, reason string) {
	if !n.enabled {
		return
	}

	event := closedEvent{
		Event:          "conversation.closed",
		ConversationID: conv.PublicID,
		OwnerID:        conv.OwnerID,
		Status:         string(conv.Status),
		Reason:         reason,
		EndedAt:        conv.EndedAt,
		OccurredAt:     time.Now().UTC(),
	}

	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(event).
		Post("")
	if err != nil {
		n.log.Error().Err(err).Str("conversation_id", conv.PublicID).
			Msg("webhook delivery failed")
		return
	}
	if resp.IsError() {
		n.log.Warn().Int("status", resp.StatusCode()).
			Str("conversation_id", conv.PublicID).
			Msg("webhook endpoint rejected event")
	}
}
