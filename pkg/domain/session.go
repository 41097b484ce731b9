package domain

import (
	"time"
)

// SessionKind discriminates the Session variant.
type SessionKind int

const (
	// Persisted sessions are backed by a SessionStore and written after each turn.
	Persisted SessionKind = iota
	// Ephemeral sessions live only for the current turn. They are produced when
	// the store is unreachable and must never be written back.
	Ephemeral
)

func (k SessionKind) String() string {
	switch k {
	case Persisted:
		return "persisted"
	case Ephemeral:
		return "ephemeral"
	default:
		return "unknown"
	}
}

// Session is a durable conversation context bound to one user.
type Session struct {
	Kind      SessionKind  `json:"-"`
	ID        string       `json:"id"`
	App       string       `json:"app"`
	UserID    string       `json:"user_id"`
	State     SessionState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// IsEphemeral reports whether the session must be kept out of the store.
func (s *Session) IsEphemeral() bool {
	return s.Kind == Ephemeral
}

// HistoryEntry is one interaction kept in the session state.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionState is the mutable part of a session.
type SessionState struct {
	History       []HistoryEntry `json:"history"`
	LastQuery     string         `json:"last_query,omitempty"`
	LastResponse  string         `json:"last_response,omitempty"`
	Authenticated bool           `json:"authenticated,omitempty"`

	// Extra holds caller keys the core does not interpret (auth tokens, profile hints).
	Extra map[string]any `json:"extra,omitempty"`
}

// NewSessionState returns an empty state.
func NewSessionState() SessionState {
	return SessionState{
		History: []HistoryEntry{},
		Extra:   make(map[string]any),
	}
}

// Clone returns a copy that does not share the history slice or the extra map.
func (s SessionState) Clone() SessionState {
	out := s
	out.History = append([]HistoryEntry(nil), s.History...)
	if s.Extra != nil {
		out.Extra = make(map[string]any, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// NewEphemeralSession builds the degraded-mode session used when the store
// cannot be reached. The caller-supplied id is preserved so delivery keeps working.
func NewEphemeralSession(app, userID, sessionID string) *Session {
	now := time.Now()
	return &Session{
		Kind:      Ephemeral,
		ID:        sessionID,
		App:       app,
		UserID:    userID,
		State:     NewSessionState(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
