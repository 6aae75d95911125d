// Package conversation implements the conversation record store on
// postgres through gorm.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	domain "relay-server/services/conversation-api/internal/domain/conversation"
	"relay-server/services/conversation-api/internal/infrastructure/database/entities"
	"relay-server/services/conversation-api/internal/utils/platformerrors"
)

var activeStatuses = []domain.Status{
	domain.StatusPending,
	domain.StatusInProgress,
	domain.StatusIdleTimeout,
	domain.StatusHumanHandoff,
}

// Repository persists conversation records.
type Repository struct {
	db *gorm.DB
}

// NewRepository builds a conversation repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts the conversation record in a single statement. The
// partial-unique active session key turns a lost creation race into
// domain.ErrDuplicateActive for the caller to recover from.
func (r *Repository) Create(ctx context.Context, conv *domain.Conversation) error {
	entity := entities.NewSchemaConversation(conv)

	if err := r.db.WithContext(ctx).Create(entity).Error; err != nil {
		if isUniqueViolation(err) {
			return platformerrors.NewError(
				ctx,
				platformerrors.LayerRepository,
				platformerrors.ErrorTypeConflict,
				fmt.Sprintf("active conversation already exists for %s", conv.SessionKey),
				domain.ErrDuplicateActive,
				"",
			)
		}
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to create conversation",
			err,
			"",
		)
	}

	conv.ID = entity.ID
	conv.CreatedAt = entity.CreatedAt
	conv.UpdatedAt = entity.UpdatedAt
	return nil
}

// FindByPublicID fetches a conversation by its public ID.
func (r *Repository) FindByPublicID(ctx context.Context, publicID string) (*domain.Conversation, error) {
	var entity entities.Conversation
	if err := r.db.WithContext(ctx).
		Where("public_id = ?", publicID).
		First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, platformerrors.NewError(
				ctx,
				platformerrors.LayerRepository,
				platformerrors.ErrorTypeNotFound,
				fmt.Sprintf("conversation not found: %s", publicID),
				domain.ErrNotFound,
				"",
			)
		}
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to fetch conversation",
			err,
			"",
		)
	}

	return entity.EtoD(), nil
}

// FindLatestBySessionKey returns the newest record for the pair, terminal
// or not.
func (r *Repository) FindLatestBySessionKey(ctx context.Context, ownerID, sessionKey string) (*domain.Conversation, error) {
	var entity entities.Conversation
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND session_key = ?", ownerID, sessionKey).
		Order("id DESC").
		First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, platformerrors.NewError(
				ctx,
				platformerrors.LayerRepository,
				platformerrors.ErrorTypeNotFound,
				fmt.Sprintf("no conversation for session key %s", sessionKey),
				domain.ErrNotFound,
				"",
			)
		}
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to fetch latest conversation",
			err,
			"",
		)
	}
	return entity.EtoD(), nil
}

// FindActiveBySessionKey returns the single non-terminal record for the
// pair. The partial-unique index guarantees at most one exists.
func (r *Repository) FindActiveBySessionKey(ctx context.Context, ownerID, sessionKey string) (*domain.Conversation, error) {
	var entity entities.Conversation
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND active_session_key = ?", ownerID, sessionKey).
		First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, platformerrors.NewError(
				ctx,
				platformerrors.LayerRepository,
				platformerrors.ErrorTypeNotFound,
				fmt.Sprintf("no active conversation for session key %s", sessionKey),
				domain.ErrNotFound,
				"",
			)
		}
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to fetch active conversation",
			err,
			"",
		)
	}
	return entity.EtoD(), nil
}

// ConditionalUpdate persists conv only if the stored row still carries
// expectedVersion, bumping the version by one in the same statement. Zero
// rows affected means another writer committed first.
func (r *Repository) ConditionalUpdate(ctx context.Context, conv *domain.Conversation, expectedVersion int64) error {
	entity := entities.NewSchemaConversation(conv)

	result := r.db.WithContext(ctx).
		Model(&entities.Conversation{}).
		Where("id = ? AND version = ?", entity.ID, expectedVersion).
		Updates(map[string]any{
			"status":             entity.Status,
			"version":            expectedVersion + 1,
			"active_session_key": entity.ActiveSessionKey,
			"agent_id":           entity.AgentID,
			"handoff_at":         entity.HandoffAt,
			"expires_at":         entity.ExpiresAt,
			"ended_at":           entity.EndedAt,
			"last_message_at":    entity.LastMessageAt,
			"context":            entity.Context,
			"updated_at":         time.Now().UTC(),
		})
	if result.Error != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to update conversation",
			result.Error,
			"",
		)
	}
	if result.RowsAffected == 0 {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeConflict,
			fmt.Sprintf("conversation %s moved past version %d", conv.PublicID, expectedVersion),
			domain.ErrVersionConflict,
			"",
		)
	}

	conv.Version = expectedVersion + 1
	return nil
}

// AppendContext appends one audit entry to the record's context without
// the version check. Terminal records accept only this mutation.
func (r *Repository) AppendContext(ctx context.Context, publicID string, entry map[string]any) error {
	var entity entities.Conversation
	if err := r.db.WithContext(ctx).
		Select("id", "context").
		Where("public_id = ?", publicID).
		First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return platformerrors.NewError(
				ctx,
				platformerrors.LayerRepository,
				platformerrors.ErrorTypeNotFound,
				fmt.Sprintf("conversation not found: %s", publicID),
				domain.ErrNotFound,
				"",
			)
		}
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to fetch conversation context",
			err,
			"",
		)
	}

	contextMap := map[string]any{}
	if len(entity.Context) > 0 {
		_ = json.Unmarshal(entity.Context, &contextMap)
	}
	transitions, _ := contextMap["transitions"].([]any)
	contextMap["transitions"] = append(transitions, entry)

	raw, err := json.Marshal(contextMap)
	if err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeInternal,
			"failed to encode conversation context",
			err,
			"",
		)
	}

	if err := r.db.WithContext(ctx).
		Model(&entities.Conversation{}).
		Where("id = ?", entity.ID).
		Update("context", raw).Error; err != nil {
		return platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to append conversation context",
			err,
			"",
		)
	}
	return nil
}

// FindByFilter fetches conversations matching the filter criteria.
func (r *Repository) FindByFilter(ctx context.Context, filter domain.Filter, limit int) ([]*domain.Conversation, error) {
	query := r.db.WithContext(ctx).Model(&entities.Conversation{})

	if filter.OwnerID != nil {
		query = query.Where("owner_id = ?", *filter.OwnerID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.AgentID != nil {
		query = query.Where("agent_id = ?", *filter.AgentID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []entities.Conversation
	if err := query.Order("updated_at DESC").Find(&records).Error; err != nil {
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to find conversations",
			err,
			"",
		)
	}

	result := make([]*domain.Conversation, len(records))
	for i := range records {
		result[i] = records[i].EtoD()
	}
	return result, nil
}

// FindPastDeadline lists non-terminal conversations whose deadline is
// behind now, oldest deadline first.
func (r *Repository) FindPastDeadline(ctx context.Context, now time.Time, limit int) ([]*domain.Conversation, error) {
	var records []entities.Conversation
	err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at < ?", activeStatuses, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to list deadline candidates",
			err,
			"",
		)
	}

	result := make([]*domain.Conversation, len(records))
	for i := range records {
		result[i] = records[i].EtoD()
	}
	return result, nil
}

// FindIdleSince lists in-progress conversations with no message activity
// since the cutoff. Conversations that never saw a message fall back to
// their creation time.
func (r *Repository) FindIdleSince(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Conversation, error) {
	var records []entities.Conversation
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.StatusInProgress).
		Where("(last_message_at IS NOT NULL AND last_message_at < ?) OR (last_message_at IS NULL AND created_at < ?)", cutoff, cutoff).
		Order("last_message_at ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, platformerrors.NewError(
			ctx,
			platformerrors.LayerRepository,
			platformerrors.ErrorTypeDatabaseError,
			"failed to list idle candidates",
			err,
			"",
		)
	}

	result := make([]*domain.Conversation, len(records))
	for i := range records {
		result[i] = records[i].EtoD()
	}
	return result, nil
}
