package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/adapters/memory"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/capability/echo"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/coordinator"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/delivery"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/firewall"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/observability"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/registry"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/session"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/tasks"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	server  *Server
	http    *httptest.Server
	store   *memory.Store
	cleaned atomic.Int32
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	store := memory.NewStore()
	sessions := session.NewManager(store)
	taskRegistry := tasks.New()
	router := delivery.NewRouter(delivery.WithMetrics(metrics))
	caps := registry.NewRegistry()
	caps.Add(echo.New(coordinator.DefaultTarget, echo.WithPrefix("echo: ")))
	coord := coordinator.New(sessions, taskRegistry, router, caps,
		coordinator.WithRefiner(nil), coordinator.WithMetrics(metrics))

	fx := &fixture{store: store}
	fx.server = NewServer(Deps{
		Coordinator: coord,
		Sessions:    sessions,
		Tasks:       taskRegistry,
		Router:      router,
		Firewall:    firewall.New(sessions, taskRegistry, router),
		Cleanup: func(ctx context.Context) domain.CleanupReport {
			fx.cleaned.Add(1)
			return domain.CleanupReport{ConnectionsClosed: router.DisconnectAll()}
		},
		Gatherer: reg,
	}, opts...)
	fx.http = httptest.NewServer(fx.server.Handler())
	t.Cleanup(func() {
		fx.http.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, fx.server.Close(ctx))
	})
	return fx
}

func (fx *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.http.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	first := readEvent(t, conn)
	require.Equal(t, domain.EventSystem, first.Type)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev domain.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHealth(t *testing.T) {
	fx := newFixture(t, WithVersion("1.2.3"))

	resp, err := http.Get(fx.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestWebSocket_QueryAckThenResponse(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t, "/ws/acme/s1?user_id=alice")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "query", "content": "review the lease"}))

	ack := readEvent(t, conn)
	assert.Equal(t, domain.EventAck, ack.Type)

	resp := readEvent(t, conn)
	assert.Equal(t, domain.EventResponse, resp.Type)
	assert.Equal(t, "echo: review the lease", resp.Content)
	assert.Equal(t, "s1", resp.SessionID)

	sess, err := fx.store.Get(context.Background(), "lexedge", "alice", "s1")
	require.NoError(t, err)
	assert.Equal(t, "review the lease", sess.State.LastQuery)
}

func TestWebSocket_BurstOfQueriesKeepsOrder(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t, "/ws/acme/s1?user_id=alice")

	const n = 10
	var want []string
	for i := 0; i < n; i++ {
		q := fmt.Sprintf("q%02d", i)
		want = append(want, q)
		require.NoError(t, conn.WriteJSON(map[string]string{"type": "query", "content": q}))
	}

	terminal := 0
	for terminal < n {
		switch ev := readEvent(t, conn); ev.Type {
		case domain.EventAck:
		case domain.EventResponse, domain.EventProcessingCancelled:
			terminal++
		default:
			t.Fatalf("unexpected event %q: %s", ev.Type, ev.Content)
		}
	}

	msgs, err := fx.store.Messages(context.Background(), "s1", 0)
	require.NoError(t, err)
	var got []string
	for _, m := range msgs {
		if m.Role == domain.RoleUser {
			got = append(got, m.Content)
		}
	}
	assert.Equal(t, want, got)
}

func TestWebSocket_ControlMessages(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t, "/ws/acme/s1?user_id=alice")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, domain.EventPong, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "heartbeat"}))
	assert.Equal(t, domain.EventAck, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "cancel"}))
	cancelled := readEvent(t, conn)
	assert.Equal(t, domain.EventProcessingCancelled, cancelled.Type)
	require.NotNil(t, cancelled.TasksCancelled)
	assert.Equal(t, 0, *cancelled.TasksCancelled)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, domain.EventError, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "teleport"}))
	assert.Equal(t, domain.EventError, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "query", "content": "   "}))
	assert.Equal(t, domain.EventError, readEvent(t, conn).Type)
}

func TestWebSocket_SecondConnectionEvictsFirst(t *testing.T) {
	fx := newFixture(t)
	first := fx.dial(t, "/ws/acme/s1?user_id=alice")
	second := fx.dial(t, "/ws/acme/s1?user_id=alice")

	require.NoError(t, first.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "evicted socket is closed")

	require.NoError(t, second.WriteJSON(map[string]string{"type": "query", "content": "still here"}))
	assert.Equal(t, domain.EventAck, readEvent(t, second).Type)
	assert.Equal(t, "echo: still here", readEvent(t, second).Content)
}

func TestWebSocket_IdlePing(t *testing.T) {
	fx := newFixture(t, WithReceiveTimeout(50*time.Millisecond))
	conn := fx.dial(t, "/ws/acme/s1")

	assert.Equal(t, "ping", readEvent(t, conn).Type)
}

func TestSessionsAndTasks(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t, "/ws/acme/s1?user_id=alice")
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "query", "content": "hello"}))
	readEvent(t, conn)
	readEvent(t, conn)

	resp, err := http.Get(fx.http.URL + "/sessions?user_id=alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	var sessions []sessionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
	assert.Equal(t, "hello", sessions[0].LastQuery)

	resp2, err := http.Get(fx.http.URL + "/tasks")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var tasksBody struct {
		Stats  tasks.Stats      `json:"stats"`
		Active []tasks.Snapshot `json:"active"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&tasksBody))
	assert.Zero(t, tasksBody.Stats.ActiveTasks)
}

func TestAdminCleanupAndMetrics(t *testing.T) {
	fx := newFixture(t)
	fx.dial(t, "/ws/acme/s1")

	resp, err := http.Post(fx.http.URL+"/admin/cleanup", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var report domain.CleanupReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, 1, report.ConnectionsClosed)
	assert.Equal(t, int32(1), fx.cleaned.Load())

	metrics, err := http.Get(fx.http.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(r))
}
