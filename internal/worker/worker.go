// Package worker drains the reply queue: for each task it generates an
// automated reply and appends it to the conversation as an outbound
// agent message.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"relay-server/services/conversation-api/internal/domain/conversation"
	"relay-server/services/conversation-api/internal/domain/lifecycle"
	"relay-server/services/conversation-api/internal/infrastructure/queue"
)

// ReplyGenerator produces the reply body for an inbound message.
// Implemented by the agent client.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, conv *conversation.Conversation, history []conversation.Message) (string, error)
}

// Worker processes reply tasks from the queue.
type Worker struct {
	id          int
	queue       queue.TaskQueue
	lifecycle   lifecycle.Service
	generator   ReplyGenerator
	taskTimeout time.Duration
	log         zerolog.Logger
	stopChan    chan struct{}
}

// NewWorker creates a new reply worker.
func NewWorker(
	id int,
	taskQueue queue.TaskQueue,
	svc lifecycle.Service,
	generator ReplyGenerator,
	taskTimeout time.Duration,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		id:          id,
		queue:       taskQueue,
		lifecycle:   svc,
		generator:   generator,
		taskTimeout: taskTimeout,
		log:         log.With().Int("worker_id", id).Str("component", "worker").Logger(),
		stopChan:    make(chan struct{}),
	}
}

// Start begins processing tasks from the queue.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info().Msg("worker started")

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopped by context")
			return
		case <-w.stopChan:
			w.log.Info().Msg("worker stopped")
			return
		case <-ticker.C:
			w.processNextTask(ctx)
		}
	}
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	close(w.stopChan)
}

func (w *Worker) processNextTask(ctx context.Context) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to dequeue task")
		return
	}
	if task == nil {
		return
	}

	w.log.Info().
		Str("conversation_id", task.ConversationPublicID).
		Str("message_id", task.MessagePublicID).
		Msg("processing reply task")

	if err := w.queue.MarkProcessing(ctx, task.TaskID); err != nil {
		w.log.Error().Err(err).Uint("task_id", task.TaskID).Msg("failed to mark processing")
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, w.taskTimeout)
	defer cancel()

	if err := w.reply(taskCtx, task); err != nil {
		// A conversation that closed or escalated between enqueue and
		// now simply no longer wants the reply.
		if errors.Is(err, conversation.ErrInvalidTransition) || errors.Is(err, conversation.ErrNotFound) {
			w.log.Info().Str("conversation_id", task.ConversationPublicID).
				Msg("conversation no longer accepts automated replies, dropping task")
			if markErr := w.queue.MarkCompleted(ctx, task.TaskID); markErr != nil {
				w.log.Error().Err(markErr).Uint("task_id", task.TaskID).Msg("failed to mark task completed")
			}
			return
		}
		w.log.Error().Err(err).Str("conversation_id", task.ConversationPublicID).Msg("reply generation failed")
		if markErr := w.queue.MarkFailed(ctx, task.TaskID, err); markErr != nil {
			w.log.Error().Err(markErr).Uint("task_id", task.TaskID).Msg("failed to mark task failed")
		}
		return
	}

	if err := w.queue.MarkCompleted(ctx, task.TaskID); err != nil {
		w.log.Error().Err(err).Uint("task_id", task.TaskID).Msg("failed to mark task completed")
		return
	}
	w.log.Info().Str("conversation_id", task.ConversationPublicID).Msg("reply task completed")
}

func (w *Worker) reply(ctx context.Context, task *queue.Task) error {
	conv, err := w.lifecycle.Get(ctx, task.ConversationPublicID)
	if err != nil {
		return err
	}
	// Only pending and in-progress conversations receive automated
	// replies; handoff belongs to the operator.
	if conv.Status != conversation.StatusPending && conv.Status != conversation.StatusInProgress {
		return conversation.ErrInvalidTransition
	}

	history, err := w.lifecycle.ListMessages(ctx, task.ConversationPublicID, 20)
	if err != nil {
		return err
	}

	body, err := w.generator.GenerateReply(ctx, conv, history)
	if err != nil {
		return err
	}

	_, _, err = w.lifecycle.AddMessage(ctx, task.ConversationPublicID, conversation.MessageParams{
		Direction: conversation.DirectionOutbound,
		Sender:    conversation.SenderAgent,
		Body:      body,
	})
	return err
}
