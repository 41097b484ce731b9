package middleware

import (
	"context"
	"regexp"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/ports"
)

// DefaultSecretPatterns match state keys that carry credentials.
var DefaultSecretPatterns = []string{"(?i)token", "(?i)password", "(?i)secret", "(?i)api_?key"}

type piiMiddleware struct {
	ports.SessionStore
	patterns []*regexp.Regexp
}

// NewPIIMiddleware creates a middleware that masks values of Extra keys matching the patterns.
func NewPIIMiddleware(patternStrings []string) Middleware {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		patterns[i] = regexp.MustCompile(p)
	}
	return func(next ports.SessionStore) ports.SessionStore {
		return &piiMiddleware{SessionStore: next, patterns: patterns}
	}
}

func (m *piiMiddleware) Upsert(ctx context.Context, app, userID, sessionID string, state domain.SessionState) (*domain.Session, error) {
	// Clone so the caller's in-memory state keeps the real values.
	cloned := state.Clone()
	cloned.Extra = deepCopyMap(state.Extra)
	maskMap(cloned.Extra, m.patterns)

	return m.SessionStore.Upsert(ctx, app, userID, sessionID, cloned)
}

// Helpers

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if subMap, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(subMap)
		} else {
			out[k] = v
		}
	}
	return out
}

func maskMap(m map[string]any, patterns []*regexp.Regexp) {
	for k, v := range m {
		for _, p := range patterns {
			if p.MatchString(k) {
				m[k] = "***"
				break
			}
		}

		if subMap, ok := v.(map[string]any); ok {
			maskMap(subMap, patterns)
		}
	}
}
