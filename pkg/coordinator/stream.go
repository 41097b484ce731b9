package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
)

// accumulator folds a capability stream into one reply.
type accumulator struct {
	text       strings.Builder
	fallback   string
	author     string
	increments int
	cancelled  bool
}

func (a *accumulator) add(inc domain.Increment) {
	a.increments++
	if inc.Author != "" {
		a.author = inc.Author
	}
	if inc.Text != "" {
		a.text.WriteString(inc.Text)
		return
	}
	if inc.Outcome == nil {
		return
	}
	if t := outcomeText(inc.Outcome); t != "" {
		a.fallback = t
	}
}

// reply returns the concatenated text, or the last non-empty tool outcome when no text arrived.
func (a *accumulator) reply() string {
	if a.text.Len() > 0 {
		return a.text.String()
	}
	return a.fallback
}

func outcomeText(o *domain.ToolOutcome) string {
	for _, v := range []any{o.Result, o.Response, o.Status} {
		if v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		default:
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Sprint(t)
			}
			return string(data)
		}
	}
	return ""
}

// consume drains seq, polling ctx once per increment. A cancelled ctx stops the
// stream cleanly: the accumulated output is returned with cancelled set and no error.
func consume(ctx context.Context, seq iter.Seq2[domain.Increment, error]) (*accumulator, error) {
	acc := &accumulator{}
	if ctx.Err() != nil {
		acc.cancelled = true
		return acc, nil
	}
	for inc, err := range seq {
		if ctx.Err() != nil {
			acc.cancelled = true
			return acc, nil
		}
		if err != nil {
			return acc, err
		}
		acc.add(inc)
	}
	if ctx.Err() != nil {
		acc.cancelled = true
	}
	return acc, nil
}
