package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/ports"
	"github.com/google/uuid"
)

// Store implements ports.SessionStore in memory.
// Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	owners   map[string]string // session id -> sessions key
	messages map[string][]domain.Message

	maxSessions int
	maxMessages int
}

// Option configures the Store.
type Option func(*Store)

// WithMaxSessionsPerUser sets the per-user session cap. Zero disables it.
func WithMaxSessionsPerUser(n int) Option {
	return func(s *Store) {
		s.maxSessions = n
	}
}

// WithMaxMessagesPerSession sets the per-session message cap. Zero disables it.
func WithMaxMessagesPerSession(n int) Option {
	return func(s *Store) {
		s.maxMessages = n
	}
}

// NewStore creates a new in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions:    make(map[string]*domain.Session),
		owners:      make(map[string]string),
		messages:    make(map[string][]domain.Message),
		maxSessions: ports.DefaultMaxSessionsPerUser,
		maxMessages: ports.DefaultMaxMessagesPerSession,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(app, userID, sessionID string) string {
	return app + "\x00" + userID + "\x00" + sessionID
}

// copySession returns a copy so callers can't mutate store state by pointer.
func copySession(sess *domain.Session) *domain.Session {
	out := *sess
	out.State = sess.State.Clone()
	return &out
}

// Upsert creates or replaces a session.
func (s *Store) Upsert(ctx context.Context, app, userID, sessionID string, state domain.SessionState) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if sessionID != "" {
		k, taken := s.owners[sessionID]
		if taken && k != key(app, userID, sessionID) {
			return nil, domain.ErrSessionOwned
		}
		if existing, ok := s.sessions[k]; taken && ok {
			existing.State = state.Clone()
			existing.UpdatedAt = now
			return copySession(existing), nil
		}
	} else {
		sessionID = uuid.Must(uuid.NewV7()).String()
	}

	s.evictLocked(app, userID)

	sess := &domain.Session{
		Kind:      domain.Persisted,
		ID:        sessionID,
		App:       app,
		UserID:    userID,
		State:     state.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[key(app, userID, sessionID)] = sess
	s.owners[sessionID] = key(app, userID, sessionID)
	return copySession(sess), nil
}

// evictLocked drops the owner's oldest sessions so one more fits under the cap.
func (s *Store) evictLocked(app, userID string) {
	if s.maxSessions <= 0 {
		return
	}
	var owned []*domain.Session
	for _, sess := range s.sessions {
		if sess.App == app && sess.UserID == userID {
			owned = append(owned, sess)
		}
	}
	if len(owned) < s.maxSessions {
		return
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].CreatedAt.Before(owned[j].CreatedAt) })
	for _, sess := range owned[:len(owned)-s.maxSessions+1] {
		s.removeLocked(sess)
	}
}

func (s *Store) removeLocked(sess *domain.Session) {
	delete(s.sessions, key(sess.App, sess.UserID, sess.ID))
	delete(s.owners, sess.ID)
	delete(s.messages, sess.ID)
}

// Get retrieves a session.
func (s *Store) Get(ctx context.Context, app, userID, sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key(app, userID, sessionID)]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return copySession(sess), nil
}

// List returns sessions, most recently updated first.
func (s *Store) List(ctx context.Context, app, userID string) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if app != "" && sess.App != app {
			continue
		}
		if userID != "" && sess.UserID != userID {
			continue
		}
		out = append(out, copySession(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Delete removes a session and its messages.
func (s *Store) Delete(ctx context.Context, app, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key(app, userID, sessionID)]; ok {
		s.removeLocked(sess)
	}
	return nil
}

// ClearAll removes everything.
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.sessions)
	s.sessions = make(map[string]*domain.Session)
	s.owners = make(map[string]string)
	s.messages = make(map[string][]domain.Message)
	return n, nil
}

// AppendMessage adds a plain message.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) (string, error) {
	return s.append(domain.Message{SessionID: sessionID, Role: role, Content: content}), nil
}

// SaveAPIResponse adds a message tagged as an API response.
func (s *Store) SaveAPIResponse(ctx context.Context, sessionID, source, content string, raw map[string]any) (string, error) {
	return s.append(domain.Message{
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
		Content:   content,
		Type:      domain.MessageTypeAPIResponse,
		Source:    source,
		RawData:   raw,
	}), nil
}

func (s *Store) append(msg domain.Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now()
	msgs := append(s.messages[msg.SessionID], msg)
	if s.maxMessages > 0 && len(msgs) > s.maxMessages {
		msgs = append([]domain.Message(nil), msgs[len(msgs)-s.maxMessages:]...)
	}
	s.messages[msg.SessionID] = msgs
	return msg.ID
}

// Messages returns up to limit messages, oldest first.
func (s *Store) Messages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.Message(nil), msgs...), nil
}

// APIResponses returns tagged messages matching filter, newest first.
func (s *Store) APIResponses(ctx context.Context, filter domain.APIResponseFilter) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make(map[string]string, len(s.sessions))
	for _, sess := range s.sessions {
		users[sess.ID] = sess.UserID
	}

	var out []domain.Message
	for sessionID, msgs := range s.messages {
		if filter.SessionID != "" && sessionID != filter.SessionID {
			continue
		}
		if filter.UserID != "" && users[sessionID] != filter.UserID {
			continue
		}
		for _, m := range msgs {
			if m.Type != domain.MessageTypeAPIResponse {
				continue
			}
			if filter.Source != "" && m.Source != filter.Source {
				continue
			}
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
