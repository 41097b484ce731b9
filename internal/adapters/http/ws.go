package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/coordinator"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second

	msgQuery      = "query"
	msgPing       = "ping"
	msgCancel     = "cancel"
	msgHeartbeat  = "heartbeat"
	msgPong       = "pong"
	msgConnection = "connection"
)

// inbound is a client frame.
type inbound struct {
	Type       string             `json:"type"`
	Content    string             `json:"content"`
	Target     string             `json:"target,omitempty"`
	Attachment *domain.Attachment `json:"attachment,omitempty"`
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// wsChannel adapts a gorilla connection to ports.Channel. Data writes are
// serialized; gorilla allows one concurrent writer.
type wsChannel struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func (c *wsChannel) Send(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func event(kind, sessionID, content string) domain.Event {
	return domain.Event{Type: kind, SessionID: sessionID, Content: content, Timestamp: time.Now().UTC()}
}

// serveWS binds the socket to the session, then reads frames until the peer
// goes away. Query turns run on their own goroutine.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	sessionID := chi.URLParam(r, "session")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "anonymous"
	}
	source := clientIP(r)
	log := s.logger.With("session_id", sessionID, "tenant_id", tenantID, "user_id", userID)

	if !s.deps.Firewall.Allow(sessionID, source) {
		http.Error(w, "too many sessions", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(s.readLimit)

	ch := &wsChannel{conn: conn}
	connID := s.deps.Router.Connect(ch, sessionID, tenantID, userID)
	s.deps.Firewall.Record(userID, sessionID, source)
	defer func() {
		s.deps.Router.Disconnect(connID)
		_ = ch.Close()
		log.Info("Client disconnected", "connection_id", connID)
	}()
	log.Info("Client connected", "connection_id", connID, "source", source)

	_ = ch.Send(r.Context(), event(domain.EventSystem, sessionID, "connected"))

	// Idle for receiveTimeout: ping. Idle for twice that: the read fails and the socket is dropped.
	liveness := time.AfterFunc(s.receiveTimeout, func() {
		_ = ch.Send(context.Background(), event(msgPing, sessionID, ""))
	})
	defer liveness.Stop()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * s.receiveTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("Read failed", "err", err)
			}
			return
		}
		liveness.Reset(s.receiveTimeout)
		s.deps.Router.Touch(connID)
		s.deps.Firewall.Record(userID, sessionID, source)

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = ch.Send(r.Context(), errorEvent(sessionID, "Invalid message format."))
			continue
		}
		s.dispatch(r.Context(), ch, msg, coordinator.Turn{UserID: userID, SessionID: sessionID, TenantID: tenantID}, log)
	}
}

func errorEvent(sessionID, content string) domain.Event {
	ev := event(domain.EventError, sessionID, content)
	ev.Category = "request"
	return ev
}

func (s *Server) dispatch(ctx context.Context, ch *wsChannel, msg inbound, turn coordinator.Turn, log *slog.Logger) {
	sessionID := turn.SessionID
	switch msg.Type {
	case msgPing:
		_ = ch.Send(ctx, event(domain.EventPong, sessionID, ""))
	case msgHeartbeat, msgPong, msgConnection:
		_ = ch.Send(ctx, event(domain.EventAck, sessionID, msg.Type))
	case msgCancel:
		n := s.deps.Coordinator.Cancel(sessionID, "cancelled by client")
		ev := event(domain.EventProcessingCancelled, sessionID, domain.FaultCancelled.UserMessage())
		ev.TasksCancelled = &n
		_ = ch.Send(ctx, ev)
	case msgQuery:
		text, err := SanitizeInput(msg.Content, s.maxInputBytes)
		if err != nil {
			log.Warn("Rejected query", "err", err)
			_ = ch.Send(ctx, errorEvent(sessionID, "Your message could not be processed. Please shorten it or remove unsupported characters."))
			return
		}
		if strings.TrimSpace(text) == "" && msg.Attachment == nil {
			_ = ch.Send(ctx, errorEvent(sessionID, "Empty query."))
			return
		}
		turn.Text = text
		turn.Target = msg.Target
		turn.Attachment = msg.Attachment
		_ = ch.Send(ctx, event(domain.EventAck, sessionID, "Query received"))

		// Admit on the reader goroutine so turns keep arrival order.
		ticket := s.deps.Coordinator.Admit(turn)
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.deps.Coordinator.Serve(s.base, ticket)
		}()
	default:
		_ = ch.Send(ctx, errorEvent(sessionID, "Unknown message type."))
	}
}
