package lifecycle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"relay-server/services/conversation-api/internal/domain/closure"
	"relay-server/services/conversation-api/internal/domain/conversation"
	"relay-server/services/conversation-api/internal/domain/lifecycle"
	"relay-server/services/conversation-api/internal/domain/optimistic"
	"relay-server/services/conversation-api/internal/domain/retry"
)

// fakeRepo holds a single conversation record, enough for lifecycle paths.
type fakeRepo struct {
	conv *conversation.Conversation

	beforeUpdate func() // runs once before the next ConditionalUpdate
}

func (r *fakeRepo) clone() *conversation.Conversation {
	cp := *r.conv
	if r.conv.Context != nil {
		cp.Context = make(map[string]any, len(r.conv.Context))
		for k, v := range r.conv.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

func (r *fakeRepo) Create(_ context.Context, conv *conversation.Conversation) error {
	conv.ID = 1
	r.conv = conv
	return nil
}

func (r *fakeRepo) FindByPublicID(_ context.Context, publicID string) (*conversation.Conversation, error) {
	if r.conv == nil || r.conv.PublicID != publicID {
		return nil, conversation.ErrNotFound
	}
	return r.clone(), nil
}

func (r *fakeRepo) FindLatestBySessionKey(_ context.Context, ownerID, sessionKey string) (*conversation.Conversation, error) {
	if r.conv == nil || r.conv.OwnerID != ownerID || r.conv.SessionKey != sessionKey {
		return nil, conversation.ErrNotFound
	}
	return r.clone(), nil
}

func (r *fakeRepo) FindActiveBySessionKey(_ context.Context, ownerID, sessionKey string) (*conversation.Conversation, error) {
	c, err := r.FindLatestBySessionKey(context.Background(), ownerID, sessionKey)
	if err != nil || !c.Status.IsActive() {
		return nil, conversation.ErrNotFound
	}
	return c, nil
}

func (r *fakeRepo) ConditionalUpdate(_ context.Context, conv *conversation.Conversation, expectedVersion int64) error {
	if r.beforeUpdate != nil {
		hook := r.beforeUpdate
		r.beforeUpdate = nil
		hook()
	}
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

func (r *fakeRepo) AppendContext(_ context.Context, publicID string, entry map[string]any) error {
	if r.conv == nil || r.conv.PublicID != publicID {
		return conversation.ErrNotFound
	}
	r.conv.AppendAudit(entry)
	return nil
}

func (r *fakeRepo) FindByFilter(context.Context, conversation.Filter, int) ([]*conversation.Conversation, error) {
	if r.conv == nil {
		return nil, nil
	}
	return []*conversation.Conversation{r.clone()}, nil
}

func (r *fakeRepo) FindPastDeadline(context.Context, time.Time, int) ([]*conversation.Conversation, error) {
	return nil, nil
}

func (r *fakeRepo) FindIdleSince(context.Context, time.Time, int) ([]*conversation.Conversation, error) {
	return nil, nil
}

type fakeMessages struct {
	stored []conversation.Message
	err    error
}

func (m *fakeMessages) Create(_ context.Context, msg *conversation.Message) error {
	if m.err != nil {
		return m.err
	}
	msg.ID = uint(len(m.stored) + 1)
	m.stored = append(m.stored, *msg)
	return nil
}

func (m *fakeMessages) ListRecent(_ context.Context, conversationID uint, limit int) ([]conversation.Message, error) {
	var out []conversation.Message
	for _, msg := range m.stored {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fakeScheduler struct {
	calls []string // message public IDs
	err   error
}

func (s *fakeScheduler) ScheduleReply(_ context.Context, _, messagePublicID string) error {
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, messagePublicID)
	return nil
}

type fakeNotifier struct {
	closed  []string // conversation public IDs
	reasons []string
}

func (n *fakeNotifier) NotifyClosed(_ context.Context, conv *conversation.Conversation, reason string) {
	n.closed = append(n.closed, conv.PublicID)
	n.reasons = append(n.reasons, reason)
}

type fixture struct {
	repo      *fakeRepo
	messages  *fakeMessages
	scheduler *fakeScheduler
	notifier  *fakeNotifier
	svc       lifecycle.Service
}

func newFixture(conv *conversation.Conversation) *fixture {
	log := zerolog.Nop()
	timers := conversation.DefaultTimers()
	repo := &fakeRepo{conv: conv}
	messages := &fakeMessages{}
	scheduler := &fakeScheduler{}
	notifier := &fakeNotifier{}

	policy := retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, BackoffStrategy: retry.BackoffFixed}
	ctrl := optimistic.NewController(repo, policy, log)
	finder := conversation.NewFinder(repo, timers, log)
	detector := closure.NewDetector(closure.DefaultConfig())

	return &fixture{
		repo:      repo,
		messages:  messages,
		scheduler: scheduler,
		notifier:  notifier,
		svc:       lifecycle.NewService(repo, messages, finder, ctrl, detector, scheduler, notifier, timers, log),
	}
}

// matureConv builds a stored conversation old enough to clear the
// closure detector's minimum-age gate.
func matureConv(status conversation.Status) *conversation.Conversation {
	created := time.Now().UTC().Add(-time.Hour)
	expires := time.Now().UTC().Add(time.Hour)
	return &conversation.Conversation{
		ID:         1,
		PublicID:   "conv_fixture",
		OwnerID:    "owner-1",
		SessionKey: "alice::bob",
		Status:     status,
		Version:    1,
		ExpiresAt:  &expires,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func inbound(body string) conversation.MessageParams {
	return conversation.MessageParams{
		Direction: conversation.DirectionInbound,
		Sender:    conversation.SenderEndUser,
		Body:      body,
	}
}

// auditEntries unwraps the stored record's transition log.
func auditEntries(c *conversation.Conversation) []map[string]any {
	raw, _ := c.Context["transitions"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func hasAuditEvent(c *conversation.Conversation, event string) bool {
	for _, entry := range auditEntries(c) {
		if entry["event"] == event {
			return true
		}
	}
	return false
}

func TestService_AddMessage_SchedulesReply(t *testing.T) {
	f := newFixture(matureConv(conversation.StatusInProgress))

	msg, conv, err := f.svc.AddMessage(context.Background(), "conv_fixture", inbound("what is my order status?"))
	if err != nil {
		t.Fatalf("AddMessage() unexpected error: %v", err)
	}
	if conv.Status != conversation.StatusInProgress {
		t.Errorf("Status = %s, want in_progress", conv.Status)
	}
	if conv.LastMessageAt == nil {
		t.Error("LastMessageAt should be set")
	}
	if len(f.scheduler.calls) != 1 || f.scheduler.calls[0] != msg.PublicID {
		t.Errorf("expected one scheduled reply for %s, got %v", msg.PublicID, f.scheduler.calls)
	}
	if conv.Version != 2 {
		t.Errorf("Version = %d, want 2", conv.Version)
	}
}

func TestService_AddMessage_PendingStaysPendingOnUserTraffic(t *testing.T) {
	f := newFixture(matureConv(conversation.StatusPending))

	_, conv, err := f.svc.AddMessage(context.Background(), "conv_fixture", inbound("hello, anyone there?"))
	if err != nil {
		t.Fatalf("AddMessage() unexpected error: %v", err)
	}
	if conv.Status != conversation.StatusPending {
		t.Errorf("Status = %s, end-user traffic alone must not start progress", conv.Status)
	}
	if len(f.scheduler.calls) != 1 {
		t.Errorf("pending conversations still get replies, got %d scheduled", len(f.scheduler.calls))
	}
}

func TestService_AddMessage_FirstResponderStartsProgress(t *testing.T) {
	f := newFixture(matureConv(conversation.StatusPending))

	params := conversation.MessageParams{
		Direction: conversation.DirectionOutbound,
		Sender:    conversation.SenderAgent,
		Body:      "hi, happy to help",
	}
	_, conv, err := f.svc.AddMessage(context.Background(), "conv_fixture", params)
	if err != nil {
		t.Fatalf("AddMessage() unexpected error: %v", err)
	}
	if conv.Status != conversation.StatusInProgress {
		t.Errorf("Status = %s, want in_progress after the first responder turn", conv.Status)
	}
	if len(f.scheduler.calls) != 0 {
		t.Errorf("outbound agent turns must not schedule replies, got %v", f.scheduler.calls)
	}
}

func TestService_AddMessage_ReactivatesIdle(t *testing.T) {
	f := newFixture(matureConv(conversation.StatusIdleTimeout))
	before := time.Now().UTC()

	_, conv, err := f.svc.AddMessage(context.Background(), "conv_fixture", inbound("still there?"))
	if err != nil {
		t.Fatalf("AddMessage() unexpected error: %v", err)
	}
	if conv.Status != conversation.StatusInProgress {
		t.Errorf("Status = %s, want in_progress after reactivation", conv.Status)
	}
	if conv.ExpiresAt == nil || !conv.ExpiresAt.After(before) {
		t.Error("reactivation should grant a fresh progress deadline")
	}
	if len(f.scheduler.calls) != 1 {
		t.Errorf("reactivated conversation should get a reply, got %d scheduled", len(f.scheduler.calls))
	}
}

func TestService_AddMessage_ClosureIntentCloses(t *testing.T) {
	f := newFixture(matureConv(conversation.StatusInProgress))

	_, conv, err := f.svc.AddMessage(context.Background(), "conv_fixture", inbound("Thanks, bye!"))
	if err != nil {
		t.Fatalf("AddMessage() unexpected error: %v", err)
	}
	if conv.Status != conversation.StatusUserClosed {
		t.Errorf("Status = %s, want user_closed", conv.Status)
	}
	if conv.EndedAt == nil {
		t.Error("EndedAt should be set on closure")
	}
	if conv.ExpiresAt != nil {
		t.Error("ExpiresAt should be cleared on closure")
	}
	if len(f.scheduler.calls) != 0 {
		t.Errorf("closed conversation must not get a reply, got %v", f.scheduler.calls)
	}
	if len(f.notifier.closed) != 1 || f.notifier.closed[0] != "conv_fixture" {
		t.Errorf("terminal transition should notify, got %v", f.notifier.closed)
	}
}

func TestService_AddMessage_TerminalRejected(t *testing.T) {
	f := newFixture(matureConv(conversation.StatusUserClosed))

	_, _, err := f.svc.AddMessage(context.Background(), "conv_fixture", inbound("one more thing"))
	if !errors.Is(err, conversation.ErrInvalidTransition) {
		t.Fatalf("AddMessage() = %v, want ErrInvalidTransition", err)
	}
	if len(f.messages.stored) != 0 {
		t.Error("no message should be persisted on a terminal conversation")
	}
}

func TestService_AddMessage_HandoffSuppressesAutomation(t *testing.T) {
	conv := matureConv(conversation.StatusHumanHandoff)
	conv.ExpiresAt = nil
	f := newFixture(conv)

	// A farewell that would auto-close anywhere else.
	_, updated, err := f.svc.AddMessage(context.Background(), "conv_fixture", inbound("Thanks, bye!"))
	if err != nil {
		t.Fatalf("AddMessage() unexpected error: %v", err)
	}
	if updated.Status != conversation.StatusHumanHandoff {
		t.Errorf("Status = %s, automation must not move a handoff conversation", updated.Status)
	}
	if len(f.scheduler.calls) != 0 {
		t.Errorf("no automated reply while an operator is attached, got %v", f.scheduler.calls)
	}
}

func TestService_AddMessage_ValidationRejected(t *testing.T) {
	f := newFixture(matureConv(conversation.StatusInProgress))

	_, _, err := f.svc.AddMessage(context.Background(), "conv_fixture", conversation.MessageParams{
		Direction: conversation.DirectionInbound,
		Sender:    conversation.SenderEndUser,
		Body:      "   ",
	})
	if !errors.Is(err, conversation.ErrValidation) {
		t.Fatalf("AddMessage() = %v, want ErrValidation", err)
	}
}

func TestService_Close(t *testing.T) {
	f := newFixture(matureConv(conversation.StatusInProgress))

	conv, err := f.svc.Close(context.Background(), "conv_fixture", conversation.StatusSupportClosed, conversation.SenderOperator, "resolved offline")
	if err != nil {
		t.Fatalf("Close() unexpected error: %v", err)
	}
	if conv.Status != conversation.StatusSupportClosed {
		t.Errorf("Status = %s, want support_closed", conv.Status)
	}
	if conv.EndedAt == nil || conv.ExpiresAt != nil {
		t.Error("closed conversation should carry EndedAt and no deadline")
	}
	if len(f.notifier.reasons) != 1 || f.notifier.reasons[0] != "resolved offline" {
		t.Errorf("notifier reasons = %v, want the close reason", f.notifier.reasons)
	}
	if !hasAuditEvent(f.repo.conv, "closed_notification_dispatched") {
		t.Error("dispatching the closure notification should leave an audit entry")
	}
}

func TestService_Close_TerminalIsImmutable(t *testing.T) {
	f := newFixture(matureConv(conversation.StatusUserClosed))

	_, err := f.svc.Close(context.Background(), "conv_fixture", conversation.StatusFailed, conversation.SenderSystem, "late failure")
	if !errors.Is(err, conversation.ErrInvalidTransition) {
		t.Fatalf("Close() on terminal = %v, want ErrInvalidTransition", err)
	}
	if f.repo.conv.Status != conversation.StatusUserClosed {
		t.Errorf("stored status = %s, terminal records never move", f.repo.conv.Status)
	}
}

func TestService_Close_RequiresTerminalTarget(t *testing.T) {
	f := newFixture(matureConv(conversation.StatusInProgress))

	_, err := f.svc.Close(context.Background(), "conv_fixture", conversation.StatusIdleTimeout, conversation.SenderSystem, "nope")
	if !errors.Is(err, conversation.ErrValidation) {
		t.Fatalf("Close() with non-terminal target = %v, want ErrValidation", err)
	}
}

func TestService_Close_FromHandoffReleasesAgent(t *testing.T) {
	conv := matureConv(conversation.StatusHumanHandoff)
	agent := "agent-7"
	conv.AgentID = &agent
	f := newFixture(conv)

	updated, err := f.svc.Close(context.Background(), "conv_fixture", conversation.StatusAgentClosed, conversation.SenderOperator, "resolved")
	if err != nil {
		t.Fatalf("Close() unexpected error: %v", err)
	}
	if updated.AgentID != nil {
		t.Error("closing out of handoff should clear the agent assignment")
	}
}

func TestService_AddMessage_PendingCancellationClosesUserClosed(t *testing.T) {
	f := newFixture(matureConv(conversation.StatusPending))

	// Nobody has responded yet; the user walks away before first contact.
	_, conv, err := f.svc.AddMessage(context.Background(), "conv_fixture", inbound("never mind, forget it"))
	if err != nil {
		t.Fatalf("AddMessage() unexpected error: %v", err)
	}
	if conv.Status != conversation.StatusUserClosed {
		t.Errorf("Status = %s, want user_closed straight from pending", conv.Status)
	}
	if conv.EndedAt == nil || conv.ExpiresAt != nil {
		t.Error("closed conversation should carry EndedAt and no deadline")
	}
	if len(f.scheduler.calls) != 0 {
		t.Errorf("no reply should be scheduled for a cancelled conversation, got %v", f.scheduler.calls)
	}
	if len(f.notifier.reasons) != 1 || f.notifier.reasons[0] != "closure_intent" {
		t.Errorf("notifier reasons = %v, want closure_intent", f.notifier.reasons)
	}
}

func TestService_Close_ConcurrentClosesSingleWinner(t *testing.T) {
	f := newFixture(matureConv(conversation.StatusInProgress))

	// A competing user close commits at the same version between this
	// caller's read and its update.
	f.repo.beforeUpdate = func() {
		now := time.Now().UTC()
		winner := f.repo.clone()
		winner.Status = conversation.StatusUserClosed
		winner.EndedAt = &now
		winner.ExpiresAt = nil
		winner.Version = 2
		f.repo.conv = winner
	}

	_, err := f.svc.Close(context.Background(), "conv_fixture", conversation.StatusAgentClosed, conversation.SenderAgent, "resolved")
	if !errors.Is(err, conversation.ErrInvalidTransition) {
		t.Fatalf("losing close = %v, want ErrInvalidTransition", err)
	}
	if f.repo.conv.Status != conversation.StatusUserClosed {
		t.Errorf("stored status = %s, the first committed close must stand", f.repo.conv.Status)
	}
	if f.repo.conv.Version != 2 {
		t.Errorf("stored version = %d, want 2 (exactly one commit)", f.repo.conv.Version)
	}
	if len(f.notifier.closed) != 0 {
		t.Errorf("losing close must not notify, got %v", f.notifier.closed)
	}
	if hasAuditEvent(f.repo.conv, "outranked_close_rejected") {
		t.Error("agent_closed does not outrank user_closed, no audit entry expected")
	}
}

func TestService_Close_OutrankedLateCloseAudited(t *testing.T) {
	conv := matureConv(conversation.StatusAgentClosed)
	now := time.Now().UTC()
	conv.EndedAt = &now
	conv.ExpiresAt = nil
	f := newFixture(conv)

	_, err := f.svc.Close(context.Background(), "conv_fixture", conversation.StatusFailed, conversation.SenderSystem, "delivery pipeline failed")
	if !errors.Is(err, conversation.ErrInvalidTransition) {
		t.Fatalf("Close() on terminal = %v, want ErrInvalidTransition", err)
	}
	if f.repo.conv.Status != conversation.StatusAgentClosed {
		t.Errorf("stored status = %s, terminal records never move", f.repo.conv.Status)
	}
	entries := auditEntries(f.repo.conv)
	var found map[string]any
	for _, entry := range entries {
		if entry["event"] == "outranked_close_rejected" {
			found = entry
		}
	}
	if found == nil {
		t.Fatal("a failed close outranking the committed one should be audited")
	}
	if found["committed_status"] != string(conversation.StatusAgentClosed) ||
		found["requested_status"] != string(conversation.StatusFailed) {
		t.Errorf("audit entry = %v, want committed agent_closed and requested failed", found)
	}
}

func TestService_ExtendExpiration(t *testing.T) {
	conv := matureConv(conversation.StatusInProgress)
	deadline := time.Now().UTC().Add(time.Hour)
	conv.ExpiresAt = &deadline
	f := newFixture(conv)

	updated, err := f.svc.ExtendExpiration(context.Background(), "conv_fixture", 2*time.Hour)
	if err != nil {
		t.Fatalf("ExtendExpiration() unexpected error: %v", err)
	}
	want := deadline.Add(2 * time.Hour)
	if updated.ExpiresAt == nil || !updated.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v (extends from the current deadline)", updated.ExpiresAt, want)
	}

	if _, err := f.svc.ExtendExpiration(context.Background(), "conv_fixture", 0); !errors.Is(err, conversation.ErrValidation) {
		t.Errorf("ExtendExpiration(0) = %v, want ErrValidation", err)
	}
}

func TestService_ExtendExpiration_Terminal(t *testing.T) {
	f := newFixture(matureConv(conversation.StatusExpired))

	_, err := f.svc.ExtendExpiration(context.Background(), "conv_fixture", time.Hour)
	if !errors.Is(err, conversation.ErrInvalidTransition) {
		t.Fatalf("ExtendExpiration() on terminal = %v, want ErrInvalidTransition", err)
	}
}

func TestService_MarkIdle(t *testing.T) {
	f := newFixture(matureConv(conversation.StatusInProgress))
	before := time.Now().UTC()

	updated, err := f.svc.MarkIdle(context.Background(), "conv_fixture")
	if err != nil {
		t.Fatalf("MarkIdle() unexpected error: %v", err)
	}
	if updated.Status != conversation.StatusIdleTimeout {
		t.Errorf("Status = %s, want idle_timeout", updated.Status)
	}
	if updated.ExpiresAt == nil || !updated.ExpiresAt.After(before) {
		t.Error("idle transition should grant the idle grace deadline")
	}
}

func TestService_Expire(t *testing.T) {
	tests := []struct {
		name       string
		from       conversation.Status
		wantErr    bool
		wantReason string
	}{
		{"from in_progress", conversation.StatusInProgress, false, "normal_timeout"},
		{"from idle_timeout", conversation.StatusIdleTimeout, false, "extended_idle_timeout"},
		{"from handoff is forbidden", conversation.StatusHumanHandoff, true, ""},
		{"from terminal is forbidden", conversation.StatusExpired, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(matureConv(tt.from))
			updated, err := f.svc.Expire(context.Background(), "conv_fixture")
			if tt.wantErr {
				if !errors.Is(err, conversation.ErrInvalidTransition) {
					t.Fatalf("Expire() = %v, want ErrInvalidTransition", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expire() unexpected error: %v", err)
			}
			if updated.Status != conversation.StatusExpired {
				t.Errorf("Status = %s, want expired", updated.Status)
			}
			entries, _ := updated.Context["transitions"].([]any)
			if len(entries) == 0 {
				t.Fatal("expiration should leave an audit entry")
			}
			last, _ := entries[len(entries)-1].(map[string]any)
			if last["expiration_reason"] != tt.wantReason {
				t.Errorf("expiration_reason = %v, want %s", last["expiration_reason"], tt.wantReason)
			}
			if len(f.notifier.reasons) != 1 || f.notifier.reasons[0] != "expired" {
				t.Errorf("notifier reasons = %v, want [expired]", f.notifier.reasons)
			}
		})
	}
}
