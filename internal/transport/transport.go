// Package transport abstracts the message broker. Consumers receive
// batches and acknowledge each message individually after it has been
// durably handled; an unacknowledged message is redelivered.
package transport

import "context"

// Message is one delivery. Handle identifies the delivery, not the
// message: the same message redelivered carries a new handle.
type Message struct {
	Body       []byte
	Handle     string
	Attributes map[string]string
}

// Queue is a source of messages with explicit acknowledgement.
type Queue interface {
	// Receive blocks up to the implementation's wait time and returns at
	// most max messages. An empty slice is a normal outcome.
	Receive(ctx context.Context, max int) ([]Message, error)
	// Ack marks one delivery as handled so it is not redelivered.
	Ack(ctx context.Context, handle string) error
}

// Publisher sends messages to a named destination.
type Publisher interface {
	Publish(ctx context.Context, destination string, body []byte, attributes map[string]string) error
}
