package ports

import (
	"context"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
)

// SessionStore defines durable storage for sessions and their messages.
// Every call is independently atomic; callers serialize writes per session.
type SessionStore interface {
	// Upsert creates or replaces a session. An empty sessionID gets a fresh id.
	// Session ids are globally unique: an id owned by another (app, user) pair
	// returns domain.ErrSessionOwned.
	// Creating a session may evict the owner's oldest sessions (and their messages)
	// once the per-user cap is reached.
	Upsert(ctx context.Context, app, userID, sessionID string, state domain.SessionState) (*domain.Session, error)

	// Get retrieves a session.
	// Returns domain.ErrSessionNotFound if the session does not exist.
	Get(ctx context.Context, app, userID, sessionID string) (*domain.Session, error)

	// List returns sessions ordered by most recent update. Empty filters match all.
	// Malformed or empty records are skipped.
	List(ctx context.Context, app, userID string) ([]*domain.Session, error)

	// Delete removes a session and all of its messages. Deleting a session the
	// caller does not own is a no-op.
	Delete(ctx context.Context, app, userID, sessionID string) error

	// ClearAll removes every session and message and returns the session count.
	ClearAll(ctx context.Context) (int, error)

	// AppendMessage adds a message, evicting the oldest once the per-session cap is reached.
	AppendMessage(ctx context.Context, sessionID, role, content string) (string, error)

	// Messages returns up to limit messages of a session, oldest first. limit <= 0 means all.
	Messages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)

	// SaveAPIResponse appends a message tagged as an exportable API response.
	SaveAPIResponse(ctx context.Context, sessionID, source, content string, raw map[string]any) (string, error)

	// APIResponses returns tagged messages matching filter, newest first.
	APIResponses(ctx context.Context, filter domain.APIResponseFilter) ([]domain.Message, error)
}

// Default quotas applied by every SessionStore adapter.
const (
	DefaultMaxSessionsPerUser    = 10
	DefaultMaxMessagesPerSession = 100
)
