package conversation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation marks malformed input to a public operation, rejected
// before any store access.
var ErrValidation = errors.New("validation error")

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// MessageParams is the public-operation input for appending a message.
type MessageParams struct {
	Direction Direction
	Sender    SenderKind
	Body      string
	Metadata  map[string]string
}

// Validate rejects malformed message input.
func (p MessageParams) Validate() error {
	switch p.Direction {
	case DirectionInbound, DirectionOutbound:
	default:
		return validationErrorf("unknown direction %q", p.Direction)
	}
	switch p.Sender {
	case SenderEndUser, SenderAgent, SenderOperator, SenderSystem, SenderTool:
	default:
		return validationErrorf("unknown sender kind %q", p.Sender)
	}
	if strings.TrimSpace(p.Body) == "" {
		return validationErrorf("message body is empty")
	}
	return nil
}

func validateParticipants(ownerID, a, b string) error {
	if strings.TrimSpace(ownerID) == "" {
		return validationErrorf("owner id is empty")
	}
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return validationErrorf("both participants are required")
	}
	if normalizeParticipant(a) == normalizeParticipant(b) {
		return validationErrorf("participants must differ")
	}
	return nil
}

// ValidateCloseTarget accepts only the terminal statuses a close request
// may name.
func ValidateCloseTarget(target Status) error {
	switch target {
	case StatusAgentClosed, StatusSupportClosed, StatusUserClosed, StatusExpired, StatusFailed:
		return nil
	default:
		return validationErrorf("%q is not a terminal status", target)
	}
}
