package chat

import (
	"context"
	"iter"
)

// Streamer opens streaming connections to a completion endpoint. Each call to Open starts a new request
// for the given input; the returned Stream owns the connection until it is closed.
type Streamer interface {
	Open(ctx context.Context, input string) (Stream, error)
}

// Stream is a single server-push connection. Events yields the raw payload of every message event in
// arrival order, and an error when the transport fails. Close releases the connection and must be safe to
// call more than once.
type Stream interface {
	Events() iter.Seq2[string, error]
	Close() error
}

// StreamerFunc adapts an ordinary function to the Streamer interface.
type StreamerFunc func(ctx context.Context, input string) (Stream, error)

// Open calls f(ctx, input).
func (f StreamerFunc) Open(ctx context.Context, input string) (Stream, error) {
	return f(ctx, input)
}
