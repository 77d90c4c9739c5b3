package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"wallet-chat-proxy/internal/domain"
)

const msgMessagesRequired = "Invalid request: messages array is required"

type chatRequestBody struct {
	Messages json.RawMessage `json:"messages"`
}

// wireMessage accepts any extra per-message fields from the dashboard (for
// example its local "error" flag) and ignores them.
type wireMessage struct {
	Role    *string `json:"role"`
	Content *string `json:"content"`
}

// DecodeChatRequest parses a POST /api/chat body into an ordered message list.
// An empty array is valid and yields an empty, non-nil slice.
func DecodeChatRequest(body []byte) ([]domain.ChatMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, invalidRequest("empty_body", "request body is required")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var req chatRequestBody
	if err := dec.Decode(&req); err != nil {
		return nil, invalidRequest("invalid_json", "invalid JSON payload")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, invalidRequest("trailing_data", "request body must contain a single JSON object")
	}

	raw := bytes.TrimSpace(req.Messages)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, invalidRequest("messages_not_array", msgMessagesRequired)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, invalidRequest("messages_not_array", msgMessagesRequired)
	}

	messages := make([]domain.ChatMessage, 0, len(entries))
	for i, entry := range entries {
		msg, err := decodeMessage(entry)
		if err != nil {
			return nil, invalidRequest("invalid_message", fmt.Sprintf("Invalid request: messages[%d] %s", i, err.Error()))
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func decodeMessage(entry json.RawMessage) (domain.ChatMessage, error) {
	entry = bytes.TrimSpace(entry)
	if len(entry) == 0 || entry[0] != '{' {
		return domain.ChatMessage{}, errors.New("must be an object")
	}
	var w wireMessage
	if err := json.Unmarshal(entry, &w); err != nil {
		return domain.ChatMessage{}, errors.New("must have string role and content")
	}
	if w.Role == nil {
		return domain.ChatMessage{}, errors.New("is missing role")
	}
	if w.Content == nil {
		return domain.ChatMessage{}, errors.New("is missing content")
	}
	role := domain.Role(*w.Role)
	if !role.Valid() {
		return domain.ChatMessage{}, fmt.Errorf("has unsupported role %q", *w.Role)
	}
	return domain.ChatMessage{Role: role, Content: *w.Content}, nil
}
