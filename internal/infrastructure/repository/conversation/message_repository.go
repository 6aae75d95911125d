package conversation

import (
	"context"

	"gorm.io/gorm"

	domain "relay-server/services/conversation-api/internal/domain/conversation"
	"relay-server/services/conversation-api/internal/infrastructure/database/entities"
	"relay-server/services/conversation-api/internal/utils/platformerrors"
)

// MessageRepository persists conversation messages.
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs the message repository.
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts a single message.
func (r *MessageRepository) Create(ctx context.Context, msg *domain.Message) error {
	entity := entities.NewSchemaMessage(msg)
	if err := r.db.WithContext(ctx).Create(entity).Error; err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to create message",
			err,
			"",
		)
	}
	msg.ID = entity.ID
	msg.CreatedAt = entity.CreatedAt
	return nil
}

// ListRecent returns up to limit messages for the conversation, newest
// last so callers read them in chronological order.
func (r *MessageRepository) ListRecent(ctx context.Context, conversationID uint, limit int) ([]domain.Message, error) {
	query := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []entities.Message
	if err := query.Find(&records).Error; err != nil {
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to list messages",
			err,
			"",
		)
	}

	result := make([]domain.Message, len(records))
	for i := range records {
		// Reverse the DESC page so the newest message lands last.
		result[len(records)-1-i] = *records[i].EtoD()
	}
	return result, nil
}
