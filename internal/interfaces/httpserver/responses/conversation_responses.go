package responses

import (
	"time"

	"relay-server/services/conversation-api/internal/domain/conversation"
)

// ConversationResponse represents a conversation in API responses.
type ConversationResponse struct {
	ID            string         `json:"id"`
	Object        string         `json:"object"`
	OwnerID       string         `json:"owner_id"`
	SessionKey    string         `json:"session_key"`
	Status        string         `json:"status"`
	Version       int64          `json:"version"`
	AgentID       *string        `json:"agent_id,omitempty"`
	HandoffAt     *int64         `json:"handoff_at,omitempty"`
	ExpiresAt     *int64         `json:"expires_at,omitempty"`
	EndedAt       *int64         `json:"ended_at,omitempty"`
	LastMessageAt *int64         `json:"last_message_at,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
}

// MessageResponse represents a message in API responses.
type MessageResponse struct {
	ID        string            `json:"id"`
	Object    string            `json:"object"`
	Direction string            `json:"direction"`
	Sender    string            `json:"sender"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// AddMessageResponse pairs the stored message with the conversation state
// it left behind.
type AddMessageResponse struct {
	Message      MessageResponse      `json:"message"`
	Conversation ConversationResponse `json:"conversation"`
}

// ConversationListResponse wraps a conversation page.
type ConversationListResponse struct {
	Data []ConversationResponse `json:"data"`
}

// MessageListResponse wraps a message page in chronological order.
type MessageListResponse struct {
	Data []MessageResponse `json:"data"`
}

// MapConversationToResponse maps the domain conversation to DTO.
func MapConversationToResponse(c *conversation.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:            c.PublicID,
		Object:        "conversation",
		OwnerID:       c.OwnerID,
		SessionKey:    c.SessionKey,
		Status:        string(c.Status),
		Version:       c.Version,
		AgentID:       c.AgentID,
		HandoffAt:     unixOrNil(c.HandoffAt),
		ExpiresAt:     unixOrNil(c.ExpiresAt),
		EndedAt:       unixOrNil(c.EndedAt),
		LastMessageAt: unixOrNil(c.LastMessageAt),
		Context:       c.Context,
		CreatedAt:     c.CreatedAt.Unix(),
		UpdatedAt:     c.UpdatedAt.Unix(),
	}
}

// MapMessageToResponse maps the domain message to DTO.
func MapMessageToResponse(m *conversation.Message) MessageResponse {
	return MessageResponse{
		ID:        m.PublicID,
		Object:    "conversation.message",
		Direction: string(m.Direction),
		Sender:    string(m.Sender),
		Body:      m.Body,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt.Unix(),
	}
}

// MapConversationsToList maps a conversation slice to the list DTO.
func MapConversationsToList(items []*conversation.Conversation) ConversationListResponse {
	out := ConversationListResponse{Data: make([]ConversationResponse, len(items))}
	for i, item := range items {
		out.Data[i] = MapConversationToResponse(item)
	}
	return out
}

// MapMessagesToList maps a message slice to the list DTO.
func MapMessagesToList(items []conversation.Message) MessageListResponse {
	out := MessageListResponse{Data: make([]MessageResponse, len(items))}
	for i := range items {
		out.Data[i] = MapMessageToResponse(&items[i])
	}
	return out
}

func unixOrNil(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	unix := t.Unix()
	return &unix
}
