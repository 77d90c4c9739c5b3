package domain

import "errors"

// Role tags the author of a ChatMessage.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles accepted by the upstream API.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// ChatMessage is the provider-agnostic chat message shape used by the adapters
// and the upstream integration.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is what gets forwarded upstream for one chat call.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
}

// ChatResponse is the success envelope. An empty completion still serializes
// the message key.
type ChatResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the failure envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ErrMalformedCompletion marks an upstream 2xx response that carried no usable
// completion text.
var ErrMalformedCompletion = errors.New("malformed completion response")
