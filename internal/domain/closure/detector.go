// Package closure scores inbound messages for end-of-conversation intent
// and turns the score into a close/flag/ignore decision.
package closure

import (
	"time"

	"relay-server/services/conversation-api/internal/domain/conversation"
)

// Decision is the detector's verdict on a single message.
type Decision struct {
	ShouldClose     bool                `json:"should_close"`
	Flagged         bool                `json:"flagged"` // above the review band, below auto-close
	Confidence      float64             `json:"confidence"`
	Reasons         []string            `json:"reasons,omitempty"`
	SuggestedStatus conversation.Status `json:"suggested_status"`
}

// Config tunes the detector. Passed in at construction; never read from
// globals so per-tenant keyword lists stay parameters.
type Config struct {
	// ClosePhrases close as the user's own decision.
	ClosePhrases []string
	// EscalationPhrases map to a support-side closure instead.
	EscalationPhrases []string
	// HistoryWindow bounds how many recent messages heuristics may inspect.
	HistoryWindow int
	// MinConversationAge suppresses closure on conversations that just
	// started, regardless of other signals.
	MinConversationAge time.Duration
	// FlagThreshold and AutoCloseThreshold are the decision bands.
	FlagThreshold      float64
	AutoCloseThreshold float64
}

// DefaultConfig returns the stock detector tuning.
func DefaultConfig() Config {
	return Config{
		ClosePhrases: []string{
			"never mind", "forget it", "that's all", "nothing else",
			"close my ticket", "cancel my request", "we're done",
		},
		EscalationPhrases: []string{
			"speak to a human", "talk to a person", "real person",
			"talk to support", "agent please",
		},
		HistoryWindow:      6,
		MinConversationAge: 60 * time.Second,
		FlagThreshold:      0.6,
		AutoCloseThreshold: 0.8,
	}
}

// Detector combines independent scorers into one weighted confidence.
// Stateless after construction and safe for concurrent use.
type Detector struct {
	cfg     Config
	scorers []Scorer
}

// NewDetector builds a detector with the standard scorer set: explicit
// metadata signal, configured phrase match, and farewell heuristics. New
// signals are added as scorers, not as branches here.
func NewDetector(cfg Config) *Detector {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultConfig().HistoryWindow
	}
	if cfg.FlagThreshold <= 0 {
		cfg.FlagThreshold = DefaultConfig().FlagThreshold
	}
	if cfg.AutoCloseThreshold <= 0 {
		cfg.AutoCloseThreshold = DefaultConfig().AutoCloseThreshold
	}
	return &Detector{
		cfg: cfg,
		scorers: []Scorer{
			&metadataScorer{},
			&phraseScorer{},
			&farewellScorer{},
		},
	}
}

// HistoryWindow reports how many recent messages the detector wants to
// see. Callers size their history fetch with it.
func (d *Detector) HistoryWindow() int {
	return d.cfg.HistoryWindow
}

// Detect scores msg in the context of its conversation and recent history.
// Only end-user messages carry closure intent; everything else returns a
// zero decision.
func (d *Detector) Detect(msg *conversation.Message, conv *conversation.Conversation, history []conversation.Message) Decision {
	decision := Decision{SuggestedStatus: conversation.StatusUserClosed}

	if msg == nil || msg.Sender != conversation.SenderEndUser {
		return decision
	}

	if len(history) > d.cfg.HistoryWindow {
		history = history[len(history)-d.cfg.HistoryWindow:]
	}

	var confidence float64
	for _, scorer := range d.scorers {
		signal := scorer.Score(msg, history, d.cfg)
		if signal == nil {
			continue
		}
		confidence += signal.Score
		decision.Reasons = append(decision.Reasons, signal.Reason)
		if signal.SuggestedStatus != "" {
			decision.SuggestedStatus = signal.SuggestedStatus
		}
	}
	if confidence > 1 {
		confidence = 1
	}
	decision.Confidence = confidence

	// Duration gate: a conversation that just started never auto-closes,
	// whatever the signals say.
	if conv != nil && d.cfg.MinConversationAge > 0 && conv.Age(msg.CreatedAt) < d.cfg.MinConversationAge {
		decision.Reasons = append(decision.Reasons, "suppressed: conversation below minimum age")
		return decision
	}

	switch {
	case confidence >= d.cfg.AutoCloseThreshold:
		decision.ShouldClose = true
	case confidence >= d.cfg.FlagThreshold:
		decision.Flagged = true
	}
	return decision
}
