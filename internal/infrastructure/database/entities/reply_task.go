package entities

import "time"

// ReplyTask queues one inbound message for automated reply generation.
// Rows are claimed with FOR UPDATE SKIP LOCKED so concurrent workers
// never double-process a task.
type ReplyTask struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	ConversationPublicID string  `gorm:"type:varchar(50);index;not null"`
	MessagePublicID      string  `gorm:"type:varchar(50);uniqueIndex;not null"`
	Status               string  `gorm:"type:varchar(20);index:idx_reply_task_status_queued;not null;default:'queued'"`
	Attempts             int     `gorm:"not null;default:0"`
	LastError            *string `gorm:"type:text"`

	QueuedAt    time.Time  `gorm:"index:idx_reply_task_status_queued;not null"`
	StartedAt   *time.Time `gorm:"type:timestamp"`
	CompletedAt *time.Time `gorm:"type:timestamp"`
	FailedAt    *time.Time `gorm:"type:timestamp"`
}

// TableName specifies the table name for ReplyTask.
func (ReplyTask) TableName() string {
	return "reply_tasks"
}
