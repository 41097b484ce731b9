package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/ports"
)

const envelopeKey = "__encrypted__"

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys is a list of old keys to try when decryption fails.
	// This enables zero-downtime key rotation.
	FallbackKeys [][]byte
}

type encryptionMiddleware struct {
	ports.SessionStore
	config EncryptionConfig
}

// NewEncryptionMiddleware creates a middleware that seals session state with AES-GCM.
// The stored state keeps only an opaque envelope; history and queries are hidden.
func NewEncryptionMiddleware(config EncryptionConfig) Middleware {
	if len(config.ActiveKey) != 32 {
		panic("active key must be 32 bytes (AES-256)")
	}
	return func(next ports.SessionStore) ports.SessionStore {
		return &encryptionMiddleware{
			SessionStore: next,
			config:       config,
		}
	}
}

func (m *encryptionMiddleware) Upsert(ctx context.Context, app, userID, sessionID string, state domain.SessionState) (*domain.Session, error) {
	plainText, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	ciphertext, err := encrypt(plainText, m.config.ActiveKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt state: %w", err)
	}

	envelope := domain.SessionState{
		Extra: map[string]any{
			envelopeKey: base64.StdEncoding.EncodeToString(ciphertext),
		},
	}

	sess, err := m.SessionStore.Upsert(ctx, app, userID, sessionID, envelope)
	if err != nil {
		return nil, err
	}
	sess.State = state.Clone()
	return sess, nil
}

func (m *encryptionMiddleware) Get(ctx context.Context, app, userID, sessionID string) (*domain.Session, error) {
	sess, err := m.SessionStore.Get(ctx, app, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.open(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// List skips sessions that cannot be decrypted, like any other malformed record.
func (m *encryptionMiddleware) List(ctx context.Context, app, userID string) ([]*domain.Session, error) {
	sessions, err := m.SessionStore.List(ctx, app, userID)
	if err != nil {
		return nil, err
	}
	out := sessions[:0]
	for _, sess := range sessions {
		if err := m.open(sess); err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (m *encryptionMiddleware) open(sess *domain.Session) error {
	encryptedStr, ok := sess.State.Extra[envelopeKey].(string)
	if !ok {
		// Fail secure: a plain state under an encrypting store is not trusted.
		return errors.New("state is missing encrypted data envelope")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedStr)
	if err != nil {
		return fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}

	plainText, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return fmt.Errorf("failed to decrypt state: %w", err)
	}

	var state domain.SessionState
	if err := json.Unmarshal(plainText, &state); err != nil {
		return fmt.Errorf("failed to unmarshal decrypted state: %w", err)
	}
	sess.State = state
	return nil
}

// Helpers

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}

	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}

	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}
