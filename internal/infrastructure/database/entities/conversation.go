package entities

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"relay-server/services/conversation-api/internal/domain/conversation"
)

// Conversation represents the database schema for conversations.
//
// ActiveSessionKey mirrors SessionKey while the record is non-terminal and
// goes NULL on close. Postgres unique indexes ignore NULLs, so the
// uniqueIndex on (owner_id, active_session_key) enforces "at most one
// active conversation per pair" while leaving closed history unbounded.
type Conversation struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	PublicID         string              `gorm:"type:varchar(50);uniqueIndex;not null"`
	OwnerID          string              `gorm:"type:varchar(64);index:idx_conversation_owner_status;uniqueIndex:idx_conversation_active_key;not null"`
	SessionKey       string              `gorm:"type:varchar(256);index:idx_conversation_session_key;not null"`
	ActiveSessionKey *string             `gorm:"type:varchar(256);uniqueIndex:idx_conversation_active_key"`
	Status           conversation.Status `gorm:"type:varchar(20);index:idx_conversation_owner_status;index:idx_conversation_status_expires;not null;default:'pending'"`
	Version          int64               `gorm:"not null;default:1"`

	AgentID   *string    `gorm:"type:varchar(64);index"`
	HandoffAt *time.Time `gorm:"type:timestamp"`

	ExpiresAt     *time.Time `gorm:"type:timestamp;index:idx_conversation_status_expires"`
	EndedAt       *time.Time `gorm:"type:timestamp"`
	LastMessageAt *time.Time `gorm:"type:timestamp;index"`

	Context datatypes.JSON `gorm:"type:jsonb"`

	PreviousConversationID *uint `gorm:"index"`

	Messages []Message `gorm:"foreignKey:ConversationID"`
}

// TableName specifies the table name for Conversation.
func (Conversation) TableName() string {
	return "conversations"
}

// Message represents the database schema for conversation messages.
type Message struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"autoCreateTime"`

	PublicID       string                  `gorm:"type:varchar(50);uniqueIndex;not null"`
	ConversationID uint                    `gorm:"index:idx_message_conversation_created;not null"`
	Direction      conversation.Direction  `gorm:"type:varchar(10);not null"`
	Sender         conversation.SenderKind `gorm:"type:varchar(20);not null"`
	Body           string                  `gorm:"type:text;not null"`
	Metadata       JSONMap                 `gorm:"type:jsonb"`
}

// TableName specifies the table name for Message.
func (Message) TableName() string {
	return "messages"
}

// JSONMap is a custom type for map[string]string stored as JSON
type JSONMap map[string]string

func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONMap) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// EtoD converts database entity to domain model
func (c *Conversation) EtoD() *conversation.Conversation {
	var contextMap map[string]any
	if len(c.Context) > 0 {
		// Corrupt audit context is not worth failing a read over.
		_ = json.Unmarshal(c.Context, &contextMap)
	}

	messages := make([]conversation.Message, len(c.Messages))
	for i := range c.Messages {
		messages[i] = *c.Messages[i].EtoD()
	}

	return &conversation.Conversation{
		ID:                     c.ID,
		PublicID:               c.PublicID,
		OwnerID:                c.OwnerID,
		SessionKey:             c.SessionKey,
		Status:                 c.Status,
		Version:                c.Version,
		AgentID:                c.AgentID,
		HandoffAt:              c.HandoffAt,
		ExpiresAt:              c.ExpiresAt,
		EndedAt:                c.EndedAt,
		LastMessageAt:          c.LastMessageAt,
		Context:                contextMap,
		PreviousConversationID: c.PreviousConversationID,
		CreatedAt:              c.CreatedAt,
		UpdatedAt:              c.UpdatedAt,
		Messages:               messages,
	}
}

// EtoD converts database entity to domain model
func (m *Message) EtoD() *conversation.Message {
	return &conversation.Message{
		ID:             m.ID,
		PublicID:       m.PublicID,
		ConversationID: m.ConversationID,
		Direction:      m.Direction,
		Sender:         m.Sender,
		Body:           m.Body,
		Metadata:       m.Metadata,
		CreatedAt:      m.CreatedAt,
	}
}

// NewSchemaConversation creates a database entity from domain model
func NewSchemaConversation(c *conversation.Conversation) *Conversation {
	var contextJSON datatypes.JSON
	if c.Context != nil {
		if raw, err := json.Marshal(c.Context); err == nil {
			contextJSON = raw
		}
	}

	return &Conversation{
		ID:                     c.ID,
		PublicID:               c.PublicID,
		OwnerID:                c.OwnerID,
		SessionKey:             c.SessionKey,
		ActiveSessionKey:       activeKey(c),
		Status:                 c.Status,
		Version:                c.Version,
		AgentID:                c.AgentID,
		HandoffAt:              c.HandoffAt,
		ExpiresAt:              c.ExpiresAt,
		EndedAt:                c.EndedAt,
		LastMessageAt:          c.LastMessageAt,
		Context:                contextJSON,
		PreviousConversationID: c.PreviousConversationID,
		CreatedAt:              c.CreatedAt,
		UpdatedAt:              c.UpdatedAt,
	}
}

// NewSchemaMessage creates a database entity from domain model
func NewSchemaMessage(m *conversation.Message) *Message {
	return &Message{
		ID:             m.ID,
		PublicID:       m.PublicID,
		ConversationID: m.ConversationID,
		Direction:      m.Direction,
		Sender:         m.Sender,
		Body:           m.Body,
		Metadata:       m.Metadata,
		CreatedAt:      m.CreatedAt,
	}
}

// activeKey returns the session key while the conversation can still
// receive lifecycle transitions, nil once it is terminal.
func activeKey(c *conversation.Conversation) *string {
	if c.Status.IsTerminal() {
		return nil
	}
	key := c.SessionKey
	return &key
}
