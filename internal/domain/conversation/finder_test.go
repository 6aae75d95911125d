package conversation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"relay-server/services/conversation-api/internal/domain/conversation"
)

// memoryRepo is an in-memory Repository used by the finder tests.
type memoryRepo struct {
	mu     sync.Mutex
	nextID uint
	byID   map[uint]*conversation.Conversation

	createErrOnce  error                      // returned by the next Create call, then cleared
	activeOverride *conversation.Conversation // forced FindActiveBySessionKey result

	updateConflicts int    // ConditionalUpdate calls to fail with ErrVersionConflict
	onConflict      func() // runs under the lock when a conflict is injected
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{byID: map[uint]*conversation.Conversation{}}
}

func cloneConversation(c *conversation.Conversation) *conversation.Conversation {
	cp := *c
	if c.Context != nil {
		cp.Context = make(map[string]any, len(c.Context))
		for k, v := range c.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

func (r *memoryRepo) Create(_ context.Context, conv *conversation.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErrOnce != nil {
		err := r.createErrOnce
		r.createErrOnce = nil
		return err
	}
	for _, existing := range r.byID {
		if existing.OwnerID == conv.OwnerID && existing.SessionKey == conv.SessionKey && existing.Status.IsActive() {
			return conversation.ErrDuplicateActive
		}
	}
	r.nextID++
	conv.ID = r.nextID
	r.byID[conv.ID] = cloneConversation(conv)
	return nil
}

func (r *memoryRepo) FindByPublicID(_ context.Context, publicID string) (*conversation.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byID {
		if c.PublicID == publicID {
			return cloneConversation(c), nil
		}
	}
	return nil, conversation.ErrNotFound
}

func (r *memoryRepo) FindLatestBySessionKey(_ context.Context, ownerID, sessionKey string) (*conversation.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *conversation.Conversation
	for _, c := range r.byID {
		if c.OwnerID != ownerID || c.SessionKey != sessionKey {
			continue
		}
		if latest == nil || c.ID > latest.ID {
			latest = c
		}
	}
	if latest == nil {
		return nil, conversation.ErrNotFound
	}
	return cloneConversation(latest), nil
}

func (r *memoryRepo) FindActiveBySessionKey(_ context.Context, ownerID, sessionKey string) (*conversation.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeOverride != nil {
		return cloneConversation(r.activeOverride), nil
	}
	for _, c := range r.byID {
		if c.OwnerID == ownerID && c.SessionKey == sessionKey && c.Status.IsActive() {
			return cloneConversation(c), nil
		}
	}
	return nil, conversation.ErrNotFound
}

func (r *memoryRepo) ConditionalUpdate(_ context.Context, conv *conversation.Conversation, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[conv.ID]
	if !ok {
		return conversation.ErrNotFound
	}
	if r.updateConflicts > 0 {
		r.updateConflicts--
		if r.onConflict != nil {
			r.onConflict()
		}
		return conversation.ErrVersionConflict
	}
	if stored.Version != expectedVersion {
		return conversation.ErrVersionConflict
	}
	conv.Version = expectedVersion + 1
	r.byID[conv.ID] = cloneConversation(conv)
	return nil
}

func (r *memoryRepo) AppendContext(_ context.Context, publicID string, entry map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byID {
		if c.PublicID == publicID {
			c.AppendAudit(entry)
			return nil
		}
	}
	return conversation.ErrNotFound
}

func (r *memoryRepo) FindByFilter(_ context.Context, filter conversation.Filter, limit int) ([]*conversation.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*conversation.Conversation
	for _, c := range r.byID {
		if filter.OwnerID != nil && c.OwnerID != *filter.OwnerID {
			continue
		}
		if filter.Status != nil && c.Status != *filter.Status {
			continue
		}
		if filter.AgentID != nil && (c.AgentID == nil || *c.AgentID != *filter.AgentID) {
			continue
		}
		out = append(out, cloneConversation(c))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepo) FindPastDeadline(_ context.Context, now time.Time, limit int) ([]*conversation.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*conversation.Conversation
	for _, c := range r.byID {
		if c.Status.IsActive() && c.DeadlinePassed(now) {
			out = append(out, cloneConversation(c))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memoryRepo) FindIdleSince(_ context.Context, cutoff time.Time, limit int) ([]*conversation.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*conversation.Conversation
	for _, c := range r.byID {
		if c.Status != conversation.StatusInProgress {
			continue
		}
		last := c.CreatedAt
		if c.LastMessageAt != nil {
			last = *c.LastMessageAt
		}
		if last.Before(cutoff) {
			out = append(out, cloneConversation(c))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memoryRepo) get(id uint) *conversation.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneConversation(r.byID[id])
}

func newTestFinder(repo *memoryRepo) *conversation.Finder {
	return conversation.NewFinder(repo, conversation.DefaultTimers(), zerolog.Nop())
}

func TestFinder_FindOrCreate_New(t *testing.T) {
	repo := newMemoryRepo()
	finder := newTestFinder(repo)

	conv, err := finder.FindOrCreate(context.Background(), "owner-1", "Alice", "bob")
	if err != nil {
		t.Fatalf("FindOrCreate() unexpected error: %v", err)
	}
	if conv.Status != conversation.StatusPending {
		t.Errorf("Status = %s, want pending", conv.Status)
	}
	if conv.Version != 1 {
		t.Errorf("Version = %d, want 1", conv.Version)
	}
	if conv.SessionKey != "alice::bob" {
		t.Errorf("SessionKey = %q, want alice::bob", conv.SessionKey)
	}
	if conv.ExpiresAt == nil {
		t.Error("ExpiresAt should be set on a fresh conversation")
	}
	if conv.PreviousConversationID != nil {
		t.Error("fresh conversation should not chain to a predecessor")
	}
}

func TestFinder_FindOrCreate_Idempotent(t *testing.T) {
	repo := newMemoryRepo()
	finder := newTestFinder(repo)
	ctx := context.Background()

	first, err := finder.FindOrCreate(ctx, "owner-1", "alice", "bob")
	if err != nil {
		t.Fatalf("first FindOrCreate() error: %v", err)
	}
	// Participant order and casing must not matter.
	second, err := finder.FindOrCreate(ctx, "owner-1", "BOB", "Alice")
	if err != nil {
		t.Fatalf("second FindOrCreate() error: %v", err)
	}
	if first.PublicID != second.PublicID {
		t.Errorf("expected the same conversation, got %s and %s", first.PublicID, second.PublicID)
	}
}

func TestFinder_FindOrCreate_RetiresOverdueAndChains(t *testing.T) {
	repo := newMemoryRepo()
	finder := newTestFinder(repo)
	ctx := context.Background()

	stale, err := finder.FindOrCreate(ctx, "owner-1", "alice", "bob")
	if err != nil {
		t.Fatalf("seed FindOrCreate() error: %v", err)
	}
	// Push the deadline behind now.
	past := time.Now().UTC().Add(-time.Minute)
	repo.mu.Lock()
	repo.byID[stale.ID].ExpiresAt = &past
	repo.mu.Unlock()

	successor, err := finder.FindOrCreate(ctx, "owner-1", "alice", "bob")
	if err != nil {
		t.Fatalf("FindOrCreate() over overdue record error: %v", err)
	}
	if successor.PublicID == stale.PublicID {
		t.Fatal("overdue conversation should have been replaced, not returned")
	}
	if successor.PreviousConversationID == nil || *successor.PreviousConversationID != stale.ID {
		t.Errorf("successor should chain to predecessor %d, got %v", stale.ID, successor.PreviousConversationID)
	}

	retired := repo.get(stale.ID)
	if retired.Status != conversation.StatusExpired {
		t.Errorf("predecessor status = %s, want expired", retired.Status)
	}
	if retired.EndedAt == nil {
		t.Error("retired predecessor should carry an EndedAt timestamp")
	}
}

func TestFinder_FindOrCreate_RetireSurvivesVersionConflict(t *testing.T) {
	repo := newMemoryRepo()
	finder := newTestFinder(repo)
	ctx := context.Background()

	stale, err := finder.FindOrCreate(ctx, "owner-1", "alice", "bob")
	if err != nil {
		t.Fatalf("seed FindOrCreate() error: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	repo.mu.Lock()
	repo.byID[stale.ID].ExpiresAt = &past
	repo.mu.Unlock()

	// The retire update loses the version check once, as if a concurrent
	// writer touched the record between the read and the update.
	repo.updateConflicts = 1

	successor, err := finder.FindOrCreate(ctx, "owner-1", "alice", "bob")
	if err != nil {
		t.Fatalf("FindOrCreate() must recover from a transient conflict, got: %v", err)
	}
	if successor.PublicID == stale.PublicID {
		t.Fatal("overdue conversation should have been replaced, not returned")
	}
	if successor.PreviousConversationID == nil || *successor.PreviousConversationID != stale.ID {
		t.Errorf("successor should chain to predecessor %d, got %v", stale.ID, successor.PreviousConversationID)
	}
	if retired := repo.get(stale.ID); retired.Status != conversation.StatusExpired {
		t.Errorf("predecessor status = %s, want expired", retired.Status)
	}
}

func TestFinder_FindOrCreate_RetireRacesSweeperExpiry(t *testing.T) {
	repo := newMemoryRepo()
	finder := newTestFinder(repo)
	ctx := context.Background()

	stale, err := finder.FindOrCreate(ctx, "owner-1", "alice", "bob")
	if err != nil {
		t.Fatalf("seed FindOrCreate() error: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	repo.mu.Lock()
	repo.byID[stale.ID].ExpiresAt = &past
	repo.mu.Unlock()

	// The sweeper expires the record between the finder's read and its
	// retire update; the re-read must see the terminal record and chain
	// the successor to it without retiring twice.
	repo.updateConflicts = 1
	repo.onConflict = func() {
		rec := repo.byID[stale.ID]
		now := time.Now().UTC()
		rec.Status = conversation.StatusExpired
		rec.EndedAt = &now
		rec.ExpiresAt = nil
		rec.Version++
	}

	successor, err := finder.FindOrCreate(ctx, "owner-1", "alice", "bob")
	if err != nil {
		t.Fatalf("FindOrCreate() must recover when the sweeper wins the race, got: %v", err)
	}
	if successor.PreviousConversationID == nil || *successor.PreviousConversationID != stale.ID {
		t.Errorf("successor should chain to predecessor %d, got %v", stale.ID, successor.PreviousConversationID)
	}
	if retired := repo.get(stale.ID); retired.Version != 2 {
		t.Errorf("predecessor Version = %d, want 2 (expired once, never retired again)", retired.Version)
	}
}

func TestFinder_FindOrCreate_HandoffNeverRetired(t *testing.T) {
	repo := newMemoryRepo()
	finder := newTestFinder(repo)
	ctx := context.Background()

	conv, err := finder.FindOrCreate(ctx, "owner-1", "alice", "bob")
	if err != nil {
		t.Fatalf("seed FindOrCreate() error: %v", err)
	}
	past := time.Now().UTC().Add(-time.Hour)
	repo.mu.Lock()
	repo.byID[conv.ID].Status = conversation.StatusHumanHandoff
	repo.byID[conv.ID].ExpiresAt = &past
	repo.mu.Unlock()

	got, err := finder.FindOrCreate(ctx, "owner-1", "alice", "bob")
	if err != nil {
		t.Fatalf("FindOrCreate() error: %v", err)
	}
	if got.PublicID != conv.PublicID {
		t.Error("handoff conversation must survive first contact even past its old deadline")
	}
	if got.Status != conversation.StatusHumanHandoff {
		t.Errorf("Status = %s, want human_handoff", got.Status)
	}
}

func TestFinder_FindOrCreate_LostInsertRace(t *testing.T) {
	repo := newMemoryRepo()
	finder := newTestFinder(repo)
	ctx := context.Background()

	// The latest lookup misses, Create collides with a concurrent
	// first-contact, and the winner's record is what comes back.
	winner := conversation.NewConversation("owner-1", conversation.SessionKey("alice", "bob"), conversation.DefaultTimers())
	repo.createErrOnce = conversation.ErrDuplicateActive
	repo.activeOverride = winner

	got, err := finder.FindOrCreate(ctx, "owner-1", "alice", "bob")
	if err != nil {
		t.Fatalf("FindOrCreate() after lost race error: %v", err)
	}
	if got.PublicID != winner.PublicID {
		t.Errorf("lost race should return the winner's record, got %s want %s", got.PublicID, winner.PublicID)
	}
}

func TestFinder_FindOrCreate_Validation(t *testing.T) {
	repo := newMemoryRepo()
	finder := newTestFinder(repo)
	ctx := context.Background()

	tests := []struct {
		name  string
		owner string
		a     string
		b     string
	}{
		{"empty owner", "", "alice", "bob"},
		{"empty participant", "owner-1", "", "bob"},
		{"identical participants", "owner-1", "Alice", "alice "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := finder.FindOrCreate(ctx, tt.owner, tt.a, tt.b)
			if !errors.Is(err, conversation.ErrValidation) {
				t.Errorf("FindOrCreate() = %v, want ErrValidation", err)
			}
		})
	}
}
