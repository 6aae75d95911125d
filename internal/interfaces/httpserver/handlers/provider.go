package handlers

import (
	"github.com/rs/zerolog"

	"relay-server/services/conversation-api/internal/domain/handoff"
	"relay-server/services/conversation-api/internal/domain/lifecycle"
)

// Provider wires all HTTP handlers for dependency injection.
type Provider struct {
	Conversation *ConversationHandler
	Handoff      *HandoffHandler
}

// NewProvider constructs the handler provider with domain services.
func NewProvider(lifecycleService lifecycle.Service, handoffService handoff.Service, log zerolog.Logger) *Provider {
	return &Provider{
		Conversation: NewConversationHandler(lifecycleService, log),
		Handoff:      NewHandoffHandler(handoffService, log),
	}
}
