package conversation

import "errors"

// Status represents the lifecycle state of a conversation.
type Status string

const (
	// Non-terminal states
	StatusPending      Status = "pending"       // Created, waiting for the first agent turn
	StatusInProgress   Status = "in_progress"   // Actively exchanged
	StatusIdleTimeout  Status = "idle_timeout"  // Paused after inactivity, reactivatable
	StatusHumanHandoff Status = "human_handoff" // Human operator attached, automation suspended

	// Terminal states (no further transitions allowed)
	StatusAgentClosed   Status = "agent_closed"   // Automated agent resolved it
	StatusSupportClosed Status = "support_closed" // Support/operator closed it
	StatusUserClosed    Status = "user_closed"    // End user ended it
	StatusExpired       Status = "expired"        // Deadline passed
	StatusFailed        Status = "failed"         // Unrecoverable error
)

// ErrInvalidTransition is returned when a status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidTransitions defines allowed status transitions.
var ValidTransitions = map[Status][]Status{
	StatusPending: {StatusInProgress, StatusExpired, StatusSupportClosed, StatusUserClosed,
		StatusFailed, StatusHumanHandoff},
	StatusInProgress: {StatusAgentClosed, StatusSupportClosed, StatusUserClosed, StatusIdleTimeout,
		StatusExpired, StatusFailed, StatusHumanHandoff},
	StatusIdleTimeout: {StatusInProgress, StatusExpired, StatusAgentClosed, StatusUserClosed,
		StatusFailed, StatusHumanHandoff},
	// FAILED from handoff is deliberately absent: while an operator is
	// attached, failures are the operator's call, not the system's.
	StatusHumanHandoff: {StatusInProgress, StatusAgentClosed},
	// Terminal states have no valid transitions
	StatusAgentClosed:   {},
	StatusSupportClosed: {},
	StatusUserClosed:    {},
	StatusExpired:       {},
	StatusFailed:        {},
}

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAgentClosed, StatusSupportClosed, StatusUserClosed, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// IsActive returns true while the conversation can still move.
func (s Status) IsActive() bool {
	return !s.IsTerminal()
}

// CanTransitionTo checks if a transition from s to target is valid.
func (s Status) CanTransitionTo(target Status) bool {
	validTargets, ok := ValidTransitions[s]
	if !ok {
		return false
	}
	for _, t := range validTargets {
		if t == target {
			return true
		}
	}
	return false
}

// TransitionTo attempts the transition and returns ErrInvalidTransition
// when the matrix forbids it.
func (s Status) TransitionTo(target Status) (Status, error) {
	if !s.CanTransitionTo(target) {
		return s, ErrInvalidTransition
	}
	return target, nil
}

// ClosePriority ranks competing close requests. When two writers race to
// terminate the same version, the higher rank is the one that should win the
// optimistic-locking race; the loser re-reads and retries or gives up.
func (s Status) ClosePriority() int {
	switch s {
	case StatusFailed:
		return 4
	case StatusUserClosed:
		return 3
	case StatusSupportClosed:
		return 2
	case StatusAgentClosed:
		return 1
	default: // expired, idle_timeout and every non-close status
		return 0
	}
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusInProgress, StatusIdleTimeout, StatusHumanHandoff,
		StatusAgentClosed, StatusSupportClosed, StatusUserClosed, StatusExpired, StatusFailed:
		return Status(raw), nil
	}
	return "", validationErrorf("unknown status %q", raw)
}
