package requests

// StartConversationRequest resolves or creates the conversation for a
// participant pair.
type StartConversationRequest struct {
	OwnerID      string `json:"owner_id" binding:"required"`
	ParticipantA string `json:"participant_a" binding:"required"`
	ParticipantB string `json:"participant_b" binding:"required"`
}

// AddMessageRequest appends a message to a conversation.
type AddMessageRequest struct {
	Direction string            `json:"direction" binding:"required"`
	Sender    string            `json:"sender" binding:"required"`
	Body      string            `json:"body" binding:"required"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CloseConversationRequest moves a conversation to a terminal status.
type CloseConversationRequest struct {
	Status string `json:"status" binding:"required"`
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ExtendConversationRequest pushes the deadline out, e.g. "2h30m".
type ExtendConversationRequest struct {
	ExtendBy string `json:"extend_by" binding:"required"`
}

// RequestHandoffRequest escalates a conversation to human operators.
type RequestHandoffRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// AssignAgentRequest claims a waiting handoff for one operator.
type AssignAgentRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}
