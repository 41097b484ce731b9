package middleware_test

import (
	"context"
	"testing"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/adapters/memory"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/persistence/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIIMiddleware_Masking(t *testing.T) {
	underlying := memory.NewStore()
	secure := middleware.NewPIIMiddleware(middleware.DefaultSecretPatterns)(underlying)
	ctx := context.Background()

	state := domain.NewSessionState()
	state.Extra["username"] = "jdoe"
	state.Extra["auth_token"] = "eyJhbGciOi"
	state.Extra["profile"] = map[string]any{
		"firm":     "Acme LLP",
		"password": "hunter2",
	}

	_, err := secure.Upsert(ctx, "app", "jdoe", "s1", state)
	require.NoError(t, err)

	assert.Equal(t, "eyJhbGciOi", state.Extra["auth_token"], "caller state must not be modified")

	stored, err := underlying.Get(ctx, "app", "jdoe", "s1")
	require.NoError(t, err)
	assert.Equal(t, "jdoe", stored.State.Extra["username"])
	assert.Equal(t, "***", stored.State.Extra["auth_token"])

	profile := stored.State.Extra["profile"].(map[string]any)
	assert.Equal(t, "***", profile["password"])
	assert.Equal(t, "Acme LLP", profile["firm"])
}

func TestChain_Order(t *testing.T) {
	underlying := memory.NewStore()
	store := middleware.Chain(underlying,
		middleware.NewPIIMiddleware(middleware.DefaultSecretPatterns),
		middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)}),
	)
	ctx := context.Background()

	state := domain.NewSessionState()
	state.Extra["api_key"] = "sk-123"
	_, err := store.Upsert(ctx, "app", "u", "s1", state)
	require.NoError(t, err)

	loaded, err := store.Get(ctx, "app", "u", "s1")
	require.NoError(t, err)
	assert.Equal(t, "***", loaded.State.Extra["api_key"], "masking happens before encryption")
}
