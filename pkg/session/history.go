package session

import (
	"time"
	"unicode/utf8"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
)

// Defaults for the history trim law.
const (
	DefaultMaxEntries = 10
	DefaultMaxChars   = 32000
)

// Limits bounds the history kept in a session state.
type Limits struct {
	MaxEntries int
	MaxChars   int
}

// DefaultLimits returns the standard bounds.
func DefaultLimits() Limits {
	return Limits{MaxEntries: DefaultMaxEntries, MaxChars: DefaultMaxChars}
}

// Trim drops entries from the front until both bounds hold. Characters are
// counted as runes. The character bound never removes the last remaining entry.
func Trim(history []domain.HistoryEntry, limits Limits) []domain.HistoryEntry {
	if limits.MaxEntries > 0 && len(history) > limits.MaxEntries {
		history = history[len(history)-limits.MaxEntries:]
	}
	if limits.MaxChars > 0 {
		total := 0
		for _, h := range history {
			total += utf8.RuneCountInString(h.Content)
		}
		for total > limits.MaxChars && len(history) > 1 {
			total -= utf8.RuneCountInString(history[0].Content)
			history = history[1:]
		}
	}
	return append([]domain.HistoryEntry(nil), history...)
}

// Record appends one turn to the state and applies the trim law.
func Record(state *domain.SessionState, query, response string, limits Limits, now time.Time) {
	state.History = append(state.History,
		domain.HistoryEntry{Role: domain.RoleUser, Content: query, Timestamp: now},
	)
	if response != "" {
		state.History = append(state.History,
			domain.HistoryEntry{Role: domain.RoleAssistant, Content: response, Timestamp: now},
		)
		state.LastResponse = response
	}
	state.LastQuery = query
	state.History = Trim(state.History, limits)
}
