package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/ports"
	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

// DefaultTTL is applied to sessions and their messages, refreshed on every access.
const DefaultTTL = 2 * time.Hour

// Store implements ports.SessionStore using Redis.
//
// Layout:
//
//	{prefix}session:{app}:{user}:{id}   JSON record, expires after ttl
//	{prefix}user_sessions:{app}:{user}  SET of session ids
//	{prefix}owner:{id}                  session key that owns the id
//	{prefix}messages:{id}               LIST of JSON messages
//	{prefix}index                       ZSET of session keys scored by update time
type Store struct {
	client      *backend.Client
	prefix      string
	ttl         time.Duration
	maxSessions int
	maxMessages int
}

type Option func(*Store)

// WithTTL sets the expiration for sessions. Zero disables expiration.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

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

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client:      client,
		prefix:      "lexedge:",
		ttl:         DefaultTTL,
		maxSessions: ports.DefaultMaxSessionsPerUser,
		maxMessages: ports.DefaultMaxMessagesPerSession,
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// record is the persisted shape of a session.
type record struct {
	ID        string               `json:"id"`
	App       string               `json:"app"`
	UserID    string               `json:"user_id"`
	State     *domain.SessionState `json:"state"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func (r *record) session() *domain.Session {
	return &domain.Session{
		Kind:      domain.Persisted,
		ID:        r.ID,
		App:       r.App,
		UserID:    r.UserID,
		State:     *r.State,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (s *Store) sessionKey(app, userID, sessionID string) string {
	return fmt.Sprintf("%ssession:%s:%s:%s", s.prefix, app, userID, sessionID)
}

func (s *Store) userKey(app, userID string) string {
	return fmt.Sprintf("%suser_sessions:%s:%s", s.prefix, app, userID)
}

func (s *Store) messagesKey(sessionID string) string {
	return s.prefix + "messages:" + sessionID
}

func (s *Store) ownerKey(sessionID string) string {
	return s.prefix + "owner:" + sessionID
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

// Upsert creates or replaces a session.
func (s *Store) Upsert(ctx context.Context, app, userID, sessionID string, state domain.SessionState) (*domain.Session, error) {
	now := time.Now().UTC()
	rec := &record{App: app, UserID: userID, State: &state, UpdatedAt: now}

	if sessionID == "" {
		sessionID = uuid.Must(uuid.NewV7()).String()
	} else {
		existing, err := s.load(ctx, s.sessionKey(app, userID, sessionID))
		switch {
		case err == nil:
			rec.CreatedAt = existing.CreatedAt
		case !errors.Is(err, domain.ErrSessionNotFound):
			return nil, err
		}
	}
	rec.ID = sessionID

	key := s.sessionKey(app, userID, sessionID)
	if err := s.claim(ctx, sessionID, key); err != nil {
		return nil, err
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
		if err := s.evict(ctx, app, userID); err != nil {
			return nil, err
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, s.ttl)
	pipe.Set(ctx, s.ownerKey(sessionID), key, s.ttl)
	pipe.SAdd(ctx, s.userKey(app, userID), sessionID)
	pipe.ZAdd(ctx, s.indexKey(), backend.Z{Score: float64(now.UnixNano()), Member: key})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.userKey(app, userID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to save to redis: %w", err)
	}

	return rec.session(), nil
}

// claim binds sessionID to key. An id already bound to another live session
// returns domain.ErrSessionOwned; a binding left by an expired session is taken over.
func (s *Store) claim(ctx context.Context, sessionID, key string) error {
	ok, err := s.client.SetNX(ctx, s.ownerKey(sessionID), key, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to claim session id: %w", err)
	}
	if ok {
		return nil
	}
	owner, err := s.client.Get(ctx, s.ownerKey(sessionID)).Result()
	if err != nil && !errors.Is(err, backend.Nil) {
		return fmt.Errorf("failed to read session owner: %w", err)
	}
	if owner == key {
		return nil
	}
	if owner != "" {
		live, err := s.client.Exists(ctx, owner).Result()
		if err != nil {
			return fmt.Errorf("failed to read session owner: %w", err)
		}
		if live > 0 {
			return domain.ErrSessionOwned
		}
	}
	if err := s.client.Set(ctx, s.ownerKey(sessionID), key, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to claim session id: %w", err)
	}
	return nil
}

// evict removes the owner's oldest sessions so one more fits under the cap.
func (s *Store) evict(ctx context.Context, app, userID string) error {
	if s.maxSessions <= 0 {
		return nil
	}
	ids, err := s.client.SMembers(ctx, s.userKey(app, userID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list user sessions: %w", err)
	}
	if len(ids) < s.maxSessions {
		return nil
	}

	var owned []*record
	for _, id := range ids {
		rec, err := s.load(ctx, s.sessionKey(app, userID, id))
		if err != nil {
			// Expired or unreadable: drop the dangling member.
			s.client.SRem(ctx, s.userKey(app, userID), id)
			continue
		}
		owned = append(owned, rec)
	}
	if len(owned) < s.maxSessions {
		return nil
	}

	sort.Slice(owned, func(i, j int) bool { return owned[i].CreatedAt.Before(owned[j].CreatedAt) })
	for _, rec := range owned[:len(owned)-s.maxSessions+1] {
		if err := s.Delete(ctx, app, userID, rec.ID); err != nil {
			return fmt.Errorf("failed to evict session %s: %w", rec.ID, err)
		}
	}
	return nil
}

func (s *Store) load(ctx context.Context, key string) (*record, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == backend.Nil {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var rec record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if rec.State == nil || rec.ID == "" {
		return nil, fmt.Errorf("session record %s is empty", key)
	}
	return &rec, nil
}

// Get retrieves a session and refreshes its TTL.
func (s *Store) Get(ctx context.Context, app, userID, sessionID string) (*domain.Session, error) {
	key := s.sessionKey(app, userID, sessionID)
	rec, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}

	if s.ttl > 0 {
		pipe := s.client.Pipeline()
		pipe.Expire(ctx, key, s.ttl)
		pipe.Expire(ctx, s.ownerKey(sessionID), s.ttl)
		pipe.Expire(ctx, s.messagesKey(sessionID), s.ttl)
		_, _ = pipe.Exec(ctx)
	}
	return rec.session(), nil
}

// List returns sessions, most recently updated first.
// Index entries whose key has expired are pruned lazily.
func (s *Store) List(ctx context.Context, app, userID string) ([]*domain.Session, error) {
	keys, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	out := make([]*domain.Session, 0, len(keys))
	for _, key := range keys {
		rec, err := s.load(ctx, key)
		if errors.Is(err, domain.ErrSessionNotFound) {
			s.client.ZRem(ctx, s.indexKey(), key)
			continue
		}
		if err != nil {
			continue
		}
		if app != "" && rec.App != app {
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		out = append(out, rec.session())
	}
	return out, nil
}

// Delete removes the session and its messages. Only the caller's own
// bookkeeping is touched when the id belongs to someone else.
func (s *Store) Delete(ctx context.Context, app, userID, sessionID string) error {
	key := s.sessionKey(app, userID, sessionID)
	owner, err := s.client.Get(ctx, s.ownerKey(sessionID)).Result()
	if err != nil && !errors.Is(err, backend.Nil) {
		return fmt.Errorf("failed to read session owner: %w", err)
	}

	pipe := s.client.TxPipeline()
	if owner == "" || owner == key {
		pipe.Del(ctx, key, s.messagesKey(sessionID), s.ownerKey(sessionID))
	}
	pipe.SRem(ctx, s.userKey(app, userID), sessionID)
	pipe.ZRem(ctx, s.indexKey(), key)
	_, err = pipe.Exec(ctx)
	return err
}

// ClearAll removes every indexed session with its messages.
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	keys, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	count := 0
	for _, key := range keys {
		rec, err := s.load(ctx, key)
		if err != nil {
			s.client.Del(ctx, key)
			continue
		}
		if err := s.Delete(ctx, rec.App, rec.UserID, rec.ID); err != nil {
			return count, err
		}
		count++
	}
	if err := s.client.Del(ctx, s.indexKey()).Err(); err != nil {
		return count, err
	}
	return count, nil
}

// AppendMessage adds a plain message.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) (string, error) {
	return s.push(ctx, domain.Message{SessionID: sessionID, Role: role, Content: content})
}

// SaveAPIResponse adds a message tagged as an API response.
func (s *Store) SaveAPIResponse(ctx context.Context, sessionID, source, content string, raw map[string]any) (string, error) {
	return s.push(ctx, domain.Message{
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
		Content:   content,
		Type:      domain.MessageTypeAPIResponse,
		Source:    source,
		RawData:   raw,
	})
}

func (s *Store) push(ctx context.Context, msg domain.Message) (string, error) {
	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	key := s.messagesKey(msg.SessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.maxMessages > 0 {
		pipe.LTrim(ctx, key, int64(-s.maxMessages), -1)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to append message: %w", err)
	}
	return msg.ID, nil
}

// Messages returns up to limit messages, oldest first.
func (s *Store) Messages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	vals, err := s.client.LRange(ctx, s.messagesKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return decodeMessages(vals), nil
}

// APIResponses returns tagged messages matching filter, newest first.
func (s *Store) APIResponses(ctx context.Context, filter domain.APIResponseFilter) ([]domain.Message, error) {
	var sessionIDs []string
	if filter.SessionID != "" {
		sessionIDs = []string{filter.SessionID}
	} else {
		sessions, err := s.List(ctx, "", filter.UserID)
		if err != nil {
			return nil, err
		}
		for _, sess := range sessions {
			sessionIDs = append(sessionIDs, sess.ID)
		}
	}

	var out []domain.Message
	for _, id := range sessionIDs {
		msgs, err := s.Messages(ctx, id, 0)
		if err != nil {
			return nil, err
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

func decodeMessages(vals []string) []domain.Message {
	out := make([]domain.Message, 0, len(vals))
	for _, v := range vals {
		var m domain.Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Ping reports whether the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
