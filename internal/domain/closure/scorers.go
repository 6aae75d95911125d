package closure

import (
	"fmt"
	"strings"
	"unicode"

	"relay-server/services/conversation-api/internal/domain/conversation"
)

// Signal is one scorer's weighted contribution to the overall confidence.
type Signal struct {
	Score           float64
	Reason          string
	SuggestedStatus conversation.Status // empty keeps the default
}

// Scorer evaluates a single independent closure signal. Implementations
// are stateless; a nil result means the signal is absent.
type Scorer interface {
	Score(msg *conversation.Message, history []conversation.Message, cfg Config) *Signal
}

// metadataScorer reacts to the explicit machine-readable close request a
// transport can attach. Near-certain when present.
type metadataScorer struct{}

func (s *metadataScorer) Score(msg *conversation.Message, _ []conversation.Message, _ Config) *Signal {
	if msg.Metadata == nil {
		return nil
	}
	if msg.Metadata[conversation.MetadataCloseRequested] != "true" {
		return nil
	}
	return &Signal{
		Score:  0.95,
		Reason: "explicit close request in message metadata",
	}
}

// phraseScorer matches the configured closing and escalation phrase lists
// against the message body.
type phraseScorer struct{}

func (s *phraseScorer) Score(msg *conversation.Message, _ []conversation.Message, cfg Config) *Signal {
	body := normalizeBody(msg.Body)
	if body == "" {
		return nil
	}

	for _, phrase := range cfg.ClosePhrases {
		if phrase != "" && strings.Contains(body, normalizeBody(phrase)) {
			return &Signal{
				Score:  0.8,
				Reason: fmt.Sprintf("matched closing phrase %q", phrase),
			}
		}
	}

	for _, phrase := range cfg.EscalationPhrases {
		if phrase != "" && strings.Contains(body, normalizeBody(phrase)) {
			return &Signal{
				Score:           0.7,
				Reason:          fmt.Sprintf("matched escalation phrase %q", phrase),
				SuggestedStatus: conversation.StatusSupportClosed,
			}
		}
	}
	return nil
}

// farewellScorer applies short-message and farewell-pattern heuristics.
var (
	farewellWords  = []string{"bye", "goodbye", "farewell", "see you", "see ya", "cya", "later"}
	gratitudeWords = []string{"thanks", "thank you", "thx", "ty", "cheers"}
	ackWords       = map[string]struct{}{
		"ok": {}, "okay": {}, "k": {}, "kk": {}, "sure": {}, "alright": {}, "fine": {},
	}
)

const shortMessageWordLimit = 4

type farewellScorer struct{}

func (s *farewellScorer) Score(msg *conversation.Message, _ []conversation.Message, _ Config) *Signal {
	body := normalizeBody(msg.Body)
	if body == "" {
		return nil
	}
	words := strings.Fields(body)

	hasFarewell := containsAny(body, farewellWords)
	hasGratitude := containsAny(body, gratitudeWords)

	switch {
	case hasFarewell:
		score := 0.45
		reasons := []string{"farewell pattern"}
		if len(words) <= shortMessageWordLimit {
			score += 0.25
			reasons = append(reasons, "short message")
		}
		if hasGratitude {
			score += 0.15
			reasons = append(reasons, "gratitude")
		}
		return &Signal{Score: score, Reason: strings.Join(reasons, " + ")}
	case hasGratitude:
		return &Signal{Score: 0.4, Reason: "gratitude without follow-up question"}
	case len(words) == 1:
		if _, ok := ackWords[words[0]]; ok {
			return &Signal{Score: 0.3, Reason: "bare acknowledgement"}
		}
	}
	return nil
}

func containsAny(body string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(body, n) {
			return true
		}
	}
	return false
}

func normalizeBody(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	for _, r := range lowered {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) || r == '\'' {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
