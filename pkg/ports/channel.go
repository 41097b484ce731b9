package ports

import "context"

// Channel is one live real-time connection to a client.
type Channel interface {
	// Send writes a payload to the client. Implementations must be safe for concurrent use.
	Send(ctx context.Context, payload any) error

	// Close terminates the connection. Calling it more than once is allowed.
	Close() error
}
