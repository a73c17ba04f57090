package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// InMemQueue is a broker stand-in for tests and local runs. Received
// messages stay in flight until acked; Redeliver returns them to the
// queue the way a visibility timeout would.
type InMemQueue struct {
	mu       sync.Mutex
	pending  []Message
	inflight map[string]Message
}

func NewInMemQueue() *InMemQueue {
	return &InMemQueue{inflight: make(map[string]Message)}
}

// Push enqueues a message body for delivery.
func (q *InMemQueue) Push(body []byte, attributes map[string]string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, Message{
		Body:       body,
		Handle:     uuid.NewString(),
		Attributes: attributes,
	})
}

func (q *InMemQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || max > len(q.pending) {
		max = len(q.pending)
	}
	batch := q.pending[:max]
	q.pending = q.pending[max:]
	out := make([]Message, 0, len(batch))
	for _, msg := range batch {
		q.inflight[msg.Handle] = msg
		out = append(out, msg)
	}
	return out, nil
}

func (q *InMemQueue) Ack(_ context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[handle]; !ok {
		return fmt.Errorf("unknown delivery handle %q", handle)
	}
	delete(q.inflight, handle)
	return nil
}

// Redeliver returns all in-flight messages to the front of the queue
// with fresh handles.
func (q *InMemQueue) Redeliver() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.inflight)
	for _, msg := range q.inflight {
		msg.Handle = uuid.NewString()
		q.pending = append([]Message{msg}, q.pending...)
	}
	q.inflight = make(map[string]Message)
	return n
}

// Len reports the number of deliverable messages.
func (q *InMemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InMemPublisher collects published messages per destination.
type InMemPublisher struct {
	mu       sync.Mutex
	messages map[string][]Message
}

func NewInMemPublisher() *InMemPublisher {
	return &InMemPublisher{messages: make(map[string][]Message)}
}

func (p *InMemPublisher) Publish(_ context.Context, destination string, body []byte, attributes map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[destination] = append(p.messages[destination], Message{
		Body:       body,
		Handle:     uuid.NewString(),
		Attributes: attributes,
	})
	return nil
}

// Published returns the messages sent to a destination.
func (p *InMemPublisher) Published(destination string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages[destination]...)
}
