package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Finder locates the active conversation for a session key or creates a
// new one, chaining it to an expired or failed predecessor so support
// staff can trace a failure into its successor.
type Finder struct {
	repo   Repository
	timers Timers
	log    zerolog.Logger
}

// NewFinder builds a finder.
func NewFinder(repo Repository, timers Timers, log zerolog.Logger) *Finder {
	return &Finder{
		repo:   repo,
		timers: timers,
		log:    log.With().Str("component", "conversation-finder").Logger(),
	}
}

// retireAttempts bounds the re-read loop when the retire update loses
// the version check to a concurrent writer.
const retireAttempts = 3

// FindOrCreate returns the active conversation for the participant pair,
// creating one when none exists. A found-but-past-deadline record is
// expired in place and replaced by a successor that links back to it.
func (f *Finder) FindOrCreate(ctx context.Context, ownerID, participantA, participantB string) (*Conversation, error) {
	if err := validateParticipants(ownerID, participantA, participantB); err != nil {
		return nil, err
	}
	key := SessionKey(participantA, participantB)

	for attempt := 0; ; attempt++ {
		latest, err := f.repo.FindLatestBySessionKey(ctx, ownerID, key)
		switch {
		case err == nil:
			if latest.Status.IsActive() {
				// Handoff records never expire out from under the operator.
				if latest.Status == StatusHumanHandoff || !latest.DeadlinePassed(time.Now().UTC()) {
					return latest, nil
				}
				// Deadline passed but the sweeper has not caught it yet.
				// Retire it here so the one-active-per-key invariant holds
				// before the successor is inserted.
				if rerr := f.retireOverdue(ctx, latest); rerr != nil {
					// A version conflict means another writer moved the
					// record first: the sweeper expired it, or traffic
					// reactivated it. Either way the fresh record decides,
					// so re-read instead of failing first contact.
					if errors.Is(rerr, ErrVersionConflict) && attempt < retireAttempts {
						f.log.Debug().Str("session_key", key).
							Msg("retire lost the version check, re-reading")
						continue
					}
					return nil, rerr
				}
			}
			return f.create(ctx, ownerID, key, &latest.ID)
		case errors.Is(err, ErrNotFound):
			return f.create(ctx, ownerID, key, nil)
		default:
			return nil, err
		}
	}
}

// create inserts the successor in a single conditional insert: the
// predecessor link rides along with the row, so a crash mid-sequence can
// never leave an orphaned successor missing its chain.
func (f *Finder) create(ctx context.Context, ownerID, key string, previousID *uint) (*Conversation, error) {
	conv := NewConversation(ownerID, key, f.timers)
	conv.PreviousConversationID = previousID
	if previousID != nil {
		conv.AppendAudit(map[string]any{
			"event":          "chained_to_predecessor",
			"predecessor_id": *previousID,
			"at":             conv.CreatedAt.Format(time.RFC3339),
		})
	}

	err := f.repo.Create(ctx, conv)
	if errors.Is(err, ErrDuplicateActive) {
		// A concurrent first-contact won the insert race; return theirs.
		f.log.Debug().Str("session_key", key).Msg("lost create race, returning existing record")
		return f.repo.FindActiveBySessionKey(ctx, ownerID, key)
	}
	if err != nil {
		return nil, err
	}

	f.log.Info().
		Str("conversation_id", conv.PublicID).
		Str("owner_id", ownerID).
		Bool("chained", previousID != nil).
		Msg("conversation created")
	return conv, nil
}

func (f *Finder) retireOverdue(ctx context.Context, conv *Conversation) error {
	now := time.Now().UTC()
	from := conv.Status
	next, err := from.TransitionTo(StatusExpired)
	if err != nil {
		// Handoff has no expiry edge; leave it for the operator.
		return err
	}
	conv.Status = next
	conv.EndedAt = &now
	conv.ExpiresAt = nil
	conv.RecordTransition(from, next, SenderSystem, "superseded_on_contact", now)
	return f.repo.ConditionalUpdate(ctx, conv, conv.Version)
}
