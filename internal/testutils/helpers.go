// Package testutils holds fakes shared by package tests.
package testutils

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Channel.Send after Close.
var ErrChannelClosed = errors.New("channel closed")

// Channel is an in-memory ports.Channel that records what it was sent.
type Channel struct {
	mu       sync.Mutex
	payloads []any
	closed   bool

	// FailSend makes every Send return this error.
	FailSend error
}

// NewChannel returns an open recording channel.
func NewChannel() *Channel {
	return &Channel{}
}

func (c *Channel) Send(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.FailSend != nil {
		return c.FailSend
	}
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Payloads returns a copy of everything sent so far.
func (c *Channel) Payloads() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.payloads...)
}
