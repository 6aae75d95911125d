// Package conversation defines the conversation aggregate and the
// lifecycle operations that mutate it.
package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Conversation is the aggregate root for a long-lived, multi-party
// conversation. All writes go through the optimistic version check; the
// Version field increases by exactly one per committed mutation.
type Conversation struct {
	ID         uint   `json:"-"`
	PublicID   string `json:"id"` // string ID like "conv_abc123"
	OwnerID    string `json:"owner_id"`
	SessionKey string `json:"session_key"`
	Status     Status `json:"status"`
	Version    int64  `json:"version"`

	AgentID   *string    `json:"agent_id,omitempty"` // human operator, set while in handoff
	HandoffAt *time.Time `json:"handoff_at,omitempty"`

	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`

	// Context is an open bag recording transition provenance for audit.
	// Entries are appended, never rewritten field by field.
	Context map[string]any `json:"context,omitempty"`

	// PreviousConversationID chains a record to the expired/failed
	// predecessor it replaced.
	PreviousConversationID *uint `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations (loaded conditionally)
	Messages []Message `json:"messages,omitempty"`
}

// Direction indicates whether a message arrived from or was sent to the
// end user.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// SenderKind identifies who produced a message.
type SenderKind string

const (
	SenderEndUser  SenderKind = "end_user"
	SenderAgent    SenderKind = "agent" // automated agent
	SenderOperator SenderKind = "operator"
	SenderSystem   SenderKind = "system"
	SenderTool     SenderKind = "tool"
)

// Message is an append-only child of exactly one conversation.
type Message struct {
	ID             uint              `json:"-"`
	PublicID       string            `json:"id"`
	ConversationID uint              `json:"-"`
	Direction      Direction         `json:"direction"`
	Sender         SenderKind        `json:"sender"`
	Body           string            `json:"body"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// MetadataCloseRequested is the machine-readable signal a transport can
// attach when the end user explicitly asked to end the conversation.
const MetadataCloseRequested = "close_requested"

// Timers carries the state-dependent deadline windows. Passed explicitly
// into constructors so per-tenant overrides stay a parameter, not a global.
type Timers struct {
	PendingWindow     time.Duration // deadline while waiting for first agent turn
	ProgressWindow    time.Duration // deadline while actively progressing
	IdleTimeoutWindow time.Duration // extended deadline after going idle
	IdleThreshold     time.Duration // inactivity that moves progress to idle
}

// DefaultTimers returns the stock deadline windows.
func DefaultTimers() Timers {
	return Timers{
		PendingWindow:     48 * time.Hour,
		ProgressWindow:    24 * time.Hour,
		IdleTimeoutWindow: 90 * time.Minute,
		IdleThreshold:     15 * time.Minute,
	}
}

// NewConversation builds a fresh pending conversation for a session key.
func NewConversation(ownerID, sessionKey string, timers Timers) *Conversation {
	now := time.Now().UTC()
	expires := now.Add(timers.PendingWindow)
	return &Conversation{
		PublicID:   NewPublicID(),
		OwnerID:    ownerID,
		SessionKey: sessionKey,
		Status:     StatusPending,
		Version:    1,
		ExpiresAt:  &expires,
		Context:    map[string]any{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewMessage builds a message for the given conversation.
func NewMessage(conversationID uint, direction Direction, sender SenderKind, body string, metadata map[string]string) *Message {
	return &Message{
		PublicID:       NewMessagePublicID(),
		ConversationID: conversationID,
		Direction:      direction,
		Sender:         sender,
		Body:           body,
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
	}
}

// NewPublicID generates a conversation public ID.
func NewPublicID() string {
	return "conv_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewMessagePublicID generates a message public ID.
func NewMessagePublicID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RecordTransition appends an audit entry describing who moved the
// conversation and why. Terminal records stay immutable except for these
// appends.
func (c *Conversation) RecordTransition(from, to Status, actor SenderKind, reason string, at time.Time) {
	c.AppendAudit(map[string]any{
		"from":   string(from),
		"to":     string(to),
		"actor":  string(actor),
		"reason": reason,
		"at":     at.UTC().Format(time.RFC3339),
	})
}

// AppendAudit pushes an entry onto the context transition log.
func (c *Conversation) AppendAudit(entry map[string]any) {
	if c.Context == nil {
		c.Context = map[string]any{}
	}
	existing, _ := c.Context["transitions"].([]any)
	c.Context["transitions"] = append(existing, entry)
}

// Age returns how long the conversation has existed relative to now.
func (c *Conversation) Age(now time.Time) time.Duration {
	return now.Sub(c.CreatedAt)
}

// IdleFor returns the time since the last message, falling back to the
// record's creation time when no message has arrived yet.
func (c *Conversation) IdleFor(now time.Time) time.Duration {
	if c.LastMessageAt != nil {
		return now.Sub(*c.LastMessageAt)
	}
	return now.Sub(c.CreatedAt)
}

// DeadlinePassed reports whether the state-specific deadline is behind now.
func (c *Conversation) DeadlinePassed(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

func (c *Conversation) String() string {
	return fmt.Sprintf("%s[%s v%d]", c.PublicID, c.Status, c.Version)
}
