package handoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"relay-server/services/conversation-api/internal/domain/conversation"
	"relay-server/services/conversation-api/internal/domain/handoff"
	"relay-server/services/conversation-api/internal/domain/optimistic"
	"relay-server/services/conversation-api/internal/domain/retry"
)

// singleRepo is a one-record Repository for handoff path tests.
type singleRepo struct {
	conv *conversation.Conversation

	filterCalls []conversation.Filter
}

func (r *singleRepo) clone() *conversation.Conversation {
	cp := *r.conv
	if r.conv.Context != nil {
		cp.Context = make(map[string]any, len(r.conv.Context))
		for k, v := range r.conv.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

func (r *singleRepo) Create(_ context.Context, conv *conversation.Conversation) error {
	r.conv = conv
	return nil
}

func (r *singleRepo) FindByPublicID(_ context.Context, publicID string) (*conversation.Conversation, error) {
	if r.conv == nil || r.conv.PublicID != publicID {
		return nil, conversation.ErrNotFound
	}
	return r.clone(), nil
}

func (r *singleRepo) FindLatestBySessionKey(context.Context, string, string) (*conversation.Conversation, error) {
	return nil, conversation.ErrNotFound
}

func (r *singleRepo) FindActiveBySessionKey(context.Context, string, string) (*conversation.Conversation, error) {
	return nil, conversation.ErrNotFound
}

func (r *singleRepo) ConditionalUpdate(_ context.Context, conv *conversation.Conversation, expectedVersion int64) error {
	if r.conv == nil || r.conv.ID != conv.ID {
		return conversation.ErrNotFound
	}
	if r.conv.Version != expectedVersion {
		return conversation.ErrVersionConflict
	}
	conv.Version = expectedVersion + 1
	cp := *conv
	r.conv = &cp
	return nil
}

func (r *singleRepo) AppendContext(context.Context, string, map[string]any) error { return nil }

func (r *singleRepo) FindByFilter(_ context.Context, filter conversation.Filter, _ int) ([]*conversation.Conversation, error) {
	r.filterCalls = append(r.filterCalls, filter)
	if r.conv == nil {
		return nil, nil
	}
	return []*conversation.Conversation{r.clone()}, nil
}

func (r *singleRepo) FindPastDeadline(context.Context, time.Time, int) ([]*conversation.Conversation, error) {
	return nil, nil
}

func (r *singleRepo) FindIdleSince(context.Context, time.Time, int) ([]*conversation.Conversation, error) {
	return nil, nil
}

func newService(conv *conversation.Conversation) (*handoff.DefaultService, *singleRepo) {
	log := zerolog.Nop()
	repo := &singleRepo{conv: conv}
	policy := retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, BackoffStrategy: retry.BackoffFixed}
	ctrl := optimistic.NewController(repo, policy, log)
	return handoff.NewService(repo, ctrl, conversation.DefaultTimers(), log), repo
}

func storedConv(status conversation.Status) *conversation.Conversation {
	expires := time.Now().UTC().Add(time.Hour)
	return &conversation.Conversation{
		ID:         1,
		PublicID:   "conv_handoff",
		OwnerID:    "owner-1",
		SessionKey: "alice::bob",
		Status:     status,
		Version:    1,
		ExpiresAt:  &expires,
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
	}
}

func TestService_RequestHandoff(t *testing.T) {
	svc, _ := newService(storedConv(conversation.StatusInProgress))

	conv, err := svc.RequestHandoff(context.Background(), "conv_handoff", conversation.SenderEndUser, "asked for a human")
	if err != nil {
		t.Fatalf("RequestHandoff() unexpected error: %v", err)
	}
	if conv.Status != conversation.StatusHumanHandoff {
		t.Errorf("Status = %s, want human_handoff", conv.Status)
	}
	if conv.HandoffAt == nil {
		t.Error("HandoffAt should be set")
	}
	if conv.ExpiresAt != nil {
		t.Error("handoff conversations must not carry an automated deadline")
	}
	if conv.AgentID != nil {
		t.Error("handoff starts unassigned")
	}
}

func TestService_RequestHandoff_Terminal(t *testing.T) {
	svc, _ := newService(storedConv(conversation.StatusExpired))

	_, err := svc.RequestHandoff(context.Background(), "conv_handoff", conversation.SenderSystem, "too late")
	if !errors.Is(err, conversation.ErrInvalidTransition) {
		t.Fatalf("RequestHandoff() on terminal = %v, want ErrInvalidTransition", err)
	}
}

func TestService_AssignAgent(t *testing.T) {
	svc, repo := newService(storedConv(conversation.StatusHumanHandoff))

	conv, err := svc.AssignAgent(context.Background(), "conv_handoff", "agent-7")
	if err != nil {
		t.Fatalf("AssignAgent() unexpected error: %v", err)
	}
	if conv.AgentID == nil || *conv.AgentID != "agent-7" {
		t.Errorf("AgentID = %v, want agent-7", conv.AgentID)
	}

	// Reassignment is allowed and keeps an audit trail.
	conv, err = svc.AssignAgent(context.Background(), "conv_handoff", "agent-9")
	if err != nil {
		t.Fatalf("AssignAgent() reassignment error: %v", err)
	}
	if conv.AgentID == nil || *conv.AgentID != "agent-9" {
		t.Errorf("AgentID = %v, want agent-9", conv.AgentID)
	}
	entries, _ := repo.conv.Context["transitions"].([]any)
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	last, _ := entries[1].(map[string]any)
	if last["previous_agent"] != "agent-7" {
		t.Errorf("previous_agent = %v, want agent-7", last["previous_agent"])
	}
}

func TestService_AssignAgent_Validation(t *testing.T) {
	svc, _ := newService(storedConv(conversation.StatusHumanHandoff))

	if _, err := svc.AssignAgent(context.Background(), "conv_handoff", "   "); !errors.Is(err, conversation.ErrValidation) {
		t.Errorf("AssignAgent(blank) = %v, want ErrValidation", err)
	}

	svc2, _ := newService(storedConv(conversation.StatusInProgress))
	if _, err := svc2.AssignAgent(context.Background(), "conv_handoff", "agent-7"); !errors.Is(err, conversation.ErrInvalidTransition) {
		t.Errorf("AssignAgent() outside handoff = %v, want ErrInvalidTransition", err)
	}
}

func TestService_ReleaseToAutomation(t *testing.T) {
	conv := storedConv(conversation.StatusHumanHandoff)
	agent := "agent-7"
	conv.AgentID = &agent
	conv.ExpiresAt = nil
	svc, _ := newService(conv)

	before := time.Now().UTC()
	updated, err := svc.ReleaseToAutomation(context.Background(), "conv_handoff")
	if err != nil {
		t.Fatalf("ReleaseToAutomation() unexpected error: %v", err)
	}
	if updated.Status != conversation.StatusInProgress {
		t.Errorf("Status = %s, want in_progress", updated.Status)
	}
	if updated.AgentID != nil {
		t.Error("release should clear the agent assignment")
	}
	if updated.ExpiresAt == nil || !updated.ExpiresAt.After(before) {
		t.Error("release should grant a fresh progress deadline")
	}
}

func TestService_ReleaseToAutomation_NotInHandoff(t *testing.T) {
	svc, _ := newService(storedConv(conversation.StatusInProgress))

	_, err := svc.ReleaseToAutomation(context.Background(), "conv_handoff")
	if !errors.Is(err, conversation.ErrInvalidTransition) {
		t.Fatalf("ReleaseToAutomation() = %v, want ErrInvalidTransition", err)
	}
}

func TestService_ListWorkQueue(t *testing.T) {
	svc, repo := newService(storedConv(conversation.StatusHumanHandoff))

	if _, err := svc.ListWorkQueue(context.Background(), "  ", nil, 10); !errors.Is(err, conversation.ErrValidation) {
		t.Errorf("ListWorkQueue(blank owner) = %v, want ErrValidation", err)
	}

	agent := "agent-7"
	if _, err := svc.ListWorkQueue(context.Background(), "owner-1", &agent, 10); err != nil {
		t.Fatalf("ListWorkQueue() unexpected error: %v", err)
	}
	if len(repo.filterCalls) != 1 {
		t.Fatalf("filter calls = %d, want 1", len(repo.filterCalls))
	}
	got := repo.filterCalls[0]
	if got.Status == nil || *got.Status != conversation.StatusHumanHandoff {
		t.Error("work queue filter must pin status to human_handoff")
	}
	if got.AgentID == nil || *got.AgentID != agent {
		t.Error("work queue filter should carry the operator id")
	}
}
