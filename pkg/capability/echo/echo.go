// Package echo is a local capability that streams the request text back word
// by word. It needs no credentials and is the default provider for
// development and tests.
package echo

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/Lexedgeai26/lexedge-open-agents-sub000/pkg/domain"
)

type Capability struct {
	name   string
	prefix string
	delay  time.Duration
}

type Option func(*Capability)

// WithPrefix sets text emitted before the echoed words.
func WithPrefix(prefix string) Option {
	return func(c *Capability) {
		c.prefix = prefix
	}
}

// WithDelay pauses between words, to make cancellation observable.
func WithDelay(d time.Duration) Option {
	return func(c *Capability) {
		c.delay = d
	}
}

func New(name string, opts ...Option) *Capability {
	c := &Capability{name: name}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Capability) Name() string {
	return c.name
}

func (c *Capability) Stream(ctx context.Context, req domain.Request) iter.Seq2[domain.Increment, error] {
	return func(yield func(domain.Increment, error) bool) {
		if c.prefix != "" {
			if !yield(domain.Increment{Author: c.name, Text: c.prefix}, nil) {
				return
			}
		}
		words := strings.Fields(req.Envelope.Text)
		for i, w := range words {
			if i > 0 {
				w = " " + w
				if c.delay > 0 {
					select {
					case <-time.After(c.delay):
					case <-ctx.Done():
						return
					}
				}
			}
			if !yield(domain.Increment{Author: c.name, Text: w}, nil) {
				return
			}
		}
		if att := req.Envelope.Attachment; att != nil {
			yield(domain.Increment{Author: c.name, Outcome: &domain.ToolOutcome{
				Name:   "attachment",
				Status: att.MimeType,
			}}, nil)
		}
	}
}
