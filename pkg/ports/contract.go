package ports

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Quotas a store must be configured with before running the contract suite.
const (
	ContractMaxSessionsPerUser    = 3
	ContractMaxMessagesPerSession = 5
)

// RunSessionStoreContract runs a suite of tests to verify that a SessionStore implementation
// adheres to the defined interface contract. The store must be empty and configured with
// ContractMaxSessionsPerUser and ContractMaxMessagesPerSession.
func RunSessionStoreContract(t *testing.T, store SessionStore) {
	ctx := context.Background()
	suffix := time.Now().Format("20060102150405.000000")
	app := "contract-app"

	t.Run("Upsert and Get", func(t *testing.T) {
		user := "alice-" + suffix
		state := domain.NewSessionState()
		state.LastQuery = "hello"
		state.Extra["tier"] = "gold"
		state.History = append(state.History, domain.HistoryEntry{Role: domain.RoleUser, Content: "hello", Timestamp: time.Now()})

		created, err := store.Upsert(ctx, app, user, "", state)
		require.NoError(t, err)
		require.NotEmpty(t, created.ID, "Upsert should assign an id")
		assert.Equal(t, domain.Persisted, created.Kind)

		loaded, err := store.Get(ctx, app, user, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "hello", loaded.State.LastQuery)
		assert.Equal(t, "gold", loaded.State.Extra["tier"])
		require.Len(t, loaded.State.History, 1)
		assert.Equal(t, "hello", loaded.State.History[0].Content)
		assert.Equal(t, user, loaded.UserID)
		assert.Equal(t, app, loaded.App)
	})

	t.Run("Upsert Is Idempotent", func(t *testing.T) {
		user := "bob-" + suffix
		first, err := store.Upsert(ctx, app, user, "fixed-"+suffix, domain.NewSessionState())
		require.NoError(t, err)
		assert.Equal(t, "fixed-"+suffix, first.ID)

		next := domain.NewSessionState()
		next.LastQuery = "second"
		second, err := store.Upsert(ctx, app, user, first.ID, next)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.WithinDuration(t, first.CreatedAt, second.CreatedAt, time.Second)

		sessions, err := store.List(ctx, app, user)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, "second", sessions[0].State.LastQuery)
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := store.Get(ctx, app, "nobody-"+suffix, "missing")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("Message Cap Evicts Oldest", func(t *testing.T) {
		user := "carol-" + suffix
		sess, err := store.Upsert(ctx, app, user, "", domain.NewSessionState())
		require.NoError(t, err)

		for i := 0; i < ContractMaxMessagesPerSession+2; i++ {
			_, err := store.AppendMessage(ctx, sess.ID, domain.RoleUser, fmt.Sprintf("m%d", i))
			require.NoError(t, err)
		}

		msgs, err := store.Messages(ctx, sess.ID, 0)
		require.NoError(t, err)
		require.Len(t, msgs, ContractMaxMessagesPerSession)
		assert.Equal(t, "m2", msgs[0].Content)
		assert.Equal(t, fmt.Sprintf("m%d", ContractMaxMessagesPerSession+1), msgs[len(msgs)-1].Content)
	})

	t.Run("Session Cap Evicts Oldest With Messages", func(t *testing.T) {
		user := "dave-" + suffix
		var ids []string
		for i := 0; i < ContractMaxSessionsPerUser+1; i++ {
			sess, err := store.Upsert(ctx, app, user, "", domain.NewSessionState())
			require.NoError(t, err)
			_, err = store.AppendMessage(ctx, sess.ID, domain.RoleUser, "hi")
			require.NoError(t, err)
			ids = append(ids, sess.ID)
			time.Sleep(5 * time.Millisecond)
		}

		sessions, err := store.List(ctx, app, user)
		require.NoError(t, err)
		assert.Len(t, sessions, ContractMaxSessionsPerUser)

		_, err = store.Get(ctx, app, user, ids[0])
		assert.ErrorIs(t, err, domain.ErrSessionNotFound, "oldest session should be evicted")

		msgs, err := store.Messages(ctx, ids[0], 0)
		require.NoError(t, err)
		assert.Empty(t, msgs, "eviction should cascade to messages")
	})

	t.Run("List Orders By Update", func(t *testing.T) {
		user := "erin-" + suffix
		a, err := store.Upsert(ctx, app, user, "a-"+suffix, stateWithQuery("a"))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		_, err = store.Upsert(ctx, app, user, "b-"+suffix, stateWithQuery("b"))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		_, err = store.Upsert(ctx, app, user, a.ID, stateWithQuery("a2"))
		require.NoError(t, err)

		sessions, err := store.List(ctx, app, user)
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, "a-"+suffix, sessions[0].ID)
		assert.Equal(t, "b-"+suffix, sessions[1].ID)

		other, err := store.List(ctx, "other-app", user)
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("Delete Cascades", func(t *testing.T) {
		user := "frank-" + suffix
		sess, err := store.Upsert(ctx, app, user, "", domain.NewSessionState())
		require.NoError(t, err)
		_, err = store.AppendMessage(ctx, sess.ID, domain.RoleUser, "bye")
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, app, user, sess.ID))

		_, err = store.Get(ctx, app, user, sess.ID)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
		msgs, err := store.Messages(ctx, sess.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("API Responses", func(t *testing.T) {
		user := "grace-" + suffix
		sess, err := store.Upsert(ctx, app, user, "", domain.NewSessionState())
		require.NoError(t, err)

		_, err = store.SaveAPIResponse(ctx, sess.ID, "drafting", "draft body", map[string]any{"pages": 2})
		require.NoError(t, err)
		_, err = store.SaveAPIResponse(ctx, sess.ID, "research", "memo", nil)
		require.NoError(t, err)

		got, err := store.APIResponses(ctx, domain.APIResponseFilter{SessionID: sess.ID, UserID: user, Source: "drafting"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "draft body", got[0].Content)
		assert.Equal(t, domain.MessageTypeAPIResponse, got[0].Type)

		all, err := store.APIResponses(ctx, domain.APIResponseFilter{SessionID: sess.ID, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("Session IDs Are Owned", func(t *testing.T) {
		alice, bob := "heidi-"+suffix, "ivan-"+suffix
		id := "shared-" + suffix
		_, err := store.Upsert(ctx, app, alice, id, domain.NewSessionState())
		require.NoError(t, err)
		_, err = store.AppendMessage(ctx, id, domain.RoleUser, "alice only")
		require.NoError(t, err)

		_, err = store.Upsert(ctx, app, bob, id, domain.NewSessionState())
		assert.ErrorIs(t, err, domain.ErrSessionOwned)
		_, err = store.Upsert(ctx, "other-app", alice, id, domain.NewSessionState())
		assert.ErrorIs(t, err, domain.ErrSessionOwned)

		_, err = store.Get(ctx, app, bob, id)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)

		require.NoError(t, store.Delete(ctx, app, bob, id))

		kept, err := store.Get(ctx, app, alice, id)
		require.NoError(t, err)
		assert.Equal(t, alice, kept.UserID)
		msgs, err := store.Messages(ctx, id, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "deleting another user's id must not touch the owner's messages")
		assert.Equal(t, "alice only", msgs[0].Content)

		bobs, err := store.List(ctx, app, bob)
		require.NoError(t, err)
		assert.Empty(t, bobs)
	})

	t.Run("ClearAll", func(t *testing.T) {
		before, err := store.List(ctx, "", "")
		require.NoError(t, err)
		require.NotEmpty(t, before)

		n, err := store.ClearAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, len(before), n)

		after, err := store.List(ctx, "", "")
		require.NoError(t, err)
		assert.Empty(t, after)
	})
}

func stateWithQuery(q string) domain.SessionState {
	s := domain.NewSessionState()
	s.LastQuery = q
	return s
}
