package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"relay-server/services/conversation-api/internal/infrastructure/database/entities"
	"relay-server/services/conversation-api/internal/infrastructure/metrics"
)

// PostgresQueue implements TaskQueue on the reply_tasks table.
type PostgresQueue struct {
	db  *gorm.DB
	log zerolog.Logger
}

// NewPostgresQueue creates a new PostgreSQL-backed reply queue.
func NewPostgresQueue(db *gorm.DB, log zerolog.Logger) *PostgresQueue {
	return &PostgresQueue{
		db:  db,
		log: log.With().Str("component", "postgres-queue").Logger(),
	}
}

// ScheduleReply queues an automated reply for the message. The unique
// index on message_public_id makes re-delivery of the same message a
// no-op instead of a duplicate reply.
func (q *PostgresQueue) ScheduleReply(ctx context.Context, conversationPublicID, messagePublicID string) error {
	return q.Enqueue(ctx, &Task{
		ConversationPublicID: conversationPublicID,
		MessagePublicID:      messagePublicID,
		QueuedAt:             time.Now().UTC(),
	})
}

// Enqueue inserts a queued reply task.
func (q *PostgresQueue) Enqueue(ctx context.Context, task *Task) error {
	entity := entities.ReplyTask{
		ConversationPublicID: task.ConversationPublicID,
		MessagePublicID:      task.MessagePublicID,
		Status:               "queued",
		QueuedAt:             task.QueuedAt,
	}
	err := q.db.WithContext(ctx).
		Exec("INSERT INTO reply_tasks (conversation_public_id, message_public_id, status, queued_at, created_at, updated_at) VALUES (?, ?, ?, ?, NOW(), NOW()) ON CONFLICT (message_public_id) DO NOTHING",
			entity.ConversationPublicID, entity.MessagePublicID, entity.Status, entity.QueuedAt).Error
	if err != nil {
		return fmt.Errorf("enqueue reply task: %w", err)
	}
	return nil
}

// Dequeue fetches the next queued task using FOR UPDATE SKIP LOCKED.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	var entity entities.ReplyTask

	err := q.db.WithContext(ctx).
		Raw("SELECT * FROM reply_tasks WHERE status = ? ORDER BY queued_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED", "queued").
		Scan(&entity).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil // No tasks available
		}
		return nil, fmt.Errorf("dequeue reply task: %w", err)
	}

	// Check if no rows were returned (entity.ID will be 0)
	if entity.ID == 0 {
		return nil, nil // No tasks available
	}

	return &Task{
		TaskID:               entity.ID,
		ConversationPublicID: entity.ConversationPublicID,
		MessagePublicID:      entity.MessagePublicID,
		Attempts:             entity.Attempts,
		QueuedAt:             entity.QueuedAt,
	}, nil
}

// MarkProcessing updates the task status to in_progress.
func (q *PostgresQueue) MarkProcessing(ctx context.Context, taskID uint) error {
	now := time.Now().UTC()
	result := q.db.WithContext(ctx).
		Model(&entities.ReplyTask{}).
		Where("id = ?", taskID).
		Updates(map[string]any{
			"status":     "in_progress",
			"attempts":   gorm.Expr("attempts + 1"),
			"started_at": now,
			"updated_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("mark processing: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("reply task not found: %d", taskID)
	}
	return nil
}

// MarkCompleted updates the task status to completed.
func (q *PostgresQueue) MarkCompleted(ctx context.Context, taskID uint) error {
	now := time.Now().UTC()
	result := q.db.WithContext(ctx).
		Model(&entities.ReplyTask{}).
		Where("id = ?", taskID).
		Updates(map[string]any{
			"status":       "completed",
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("mark completed: %w", result.Error)
	}
	return nil
}

// MarkFailed updates the task status to failed.
func (q *PostgresQueue) MarkFailed(ctx context.Context, taskID uint, taskErr error) error {
	now := time.Now().UTC()
	message := taskErr.Error()
	result := q.db.WithContext(ctx).
		Model(&entities.ReplyTask{}).
		Where("id = ?", taskID).
		Updates(map[string]any{
			"status":     "failed",
			"last_error": message,
			"failed_at":  now,
			"updated_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("mark failed: %w", result.Error)
	}
	return nil
}

// GetQueueDepth returns the number of queued reply tasks and refreshes
// the depth gauge as a side effect.
func (q *PostgresQueue) GetQueueDepth(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).
		Model(&entities.ReplyTask{}).
		Where("status = ?", "queued").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("get queue depth: %w", err)
	}

	metrics.SetReplyQueueDepth(count)
	return count, nil
}
