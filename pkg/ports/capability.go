package ports

import (
	"context"
	"iter"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
)

// Capability is an external unit of work invoked once per attempt.
// The returned sequence is finite, ordered and not restartable.
type Capability interface {
	Name() string
	Stream(ctx context.Context, req domain.Request) iter.Seq2[domain.Increment, error]
}
