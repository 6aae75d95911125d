package conversation

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced by repositories. Implementations wrap these so
// callers can branch with errors.Is regardless of the storage backend.
var (
	ErrNotFound        = errors.New("conversation not found")
	ErrVersionConflict = errors.New("conversation version conflict")
	ErrDuplicateActive = errors.New("active conversation already exists for session key")
)

// Filter narrows conversation queries. Nil fields are ignored.
type Filter struct {
	OwnerID *string
	Status  *Status
	AgentID *string
}

// Repository is the record-store port for conversations.
type Repository interface {
	// Create inserts the record in a single statement, including the
	// predecessor link when set. A unique-violation on the active session
	// key surfaces ErrDuplicateActive.
	Create(ctx context.Context, conv *Conversation) error

	FindByPublicID(ctx context.Context, publicID string) (*Conversation, error)

	// FindLatestBySessionKey returns the newest record for the pair,
	// terminal or not, so the finder can chain successors.
	FindLatestBySessionKey(ctx context.Context, ownerID, sessionKey string) (*Conversation, error)

	// FindActiveBySessionKey returns the single non-terminal record for
	// the pair, or ErrNotFound.
	FindActiveBySessionKey(ctx context.Context, ownerID, sessionKey string) (*Conversation, error)

	// ConditionalUpdate persists conv only when the stored version still
	// equals expectedVersion, bumping it by one. Zero rows affected
	// surfaces ErrVersionConflict; conv.Version is updated on success.
	ConditionalUpdate(ctx context.Context, conv *Conversation, expectedVersion int64) error

	// AppendContext appends audit entries to a record regardless of its
	// status. Terminal records accept only this mutation.
	AppendContext(ctx context.Context, publicID string, entry map[string]any) error

	FindByFilter(ctx context.Context, filter Filter, limit int) ([]*Conversation, error)

	// FindPastDeadline lists non-terminal conversations whose expires_at
	// is behind now, oldest deadline first.
	FindPastDeadline(ctx context.Context, now time.Time, limit int) ([]*Conversation, error)

	// FindIdleSince lists in-progress conversations with no message
	// activity since the cutoff.
	FindIdleSince(ctx context.Context, cutoff time.Time, limit int) ([]*Conversation, error)
}

// MessageRepository persists conversation messages.
type MessageRepository interface {
	Create(ctx context.Context, msg *Message) error

	// ListRecent returns up to limit messages, newest last.
	ListRecent(ctx context.Context, conversationID uint, limit int) ([]Message, error)
}
