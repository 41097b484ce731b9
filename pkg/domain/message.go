package domain

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MessageTypeAPIResponse tags a message as an exportable API response artifact.
const MessageTypeAPIResponse = "api_response"

// Message is an append-only record inside a session.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	Type      string         `json:"type,omitempty"`
	Source    string         `json:"source,omitempty"`
	RawData   map[string]any `json:"raw_data,omitempty"`
}

// APIResponseFilter narrows APIResponses queries. Empty fields match anything.
type APIResponseFilter struct {
	SessionID string
	UserID    string
	Source    string
	Limit     int
}
