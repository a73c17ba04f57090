package transport

import (
	"context"
	"testing"
)

func TestInMemQueueAckRemovesDelivery(t *testing.T) {
	ctx := context.Background()
	q := NewInMemQueue()
	q.Push([]byte(`{"a":1}`), nil)
	q.Push([]byte(`{"b":2}`), nil)

	msgs, err := q.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if err := q.Ack(ctx, msgs[0].Handle); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := q.Ack(ctx, msgs[0].Handle); err == nil {
		t.Fatalf("double ack should fail")
	}

	if n := q.Redeliver(); n != 1 {
		t.Fatalf("expected 1 redelivery, got %d", n)
	}
	again, _ := q.Receive(ctx, 10)
	if len(again) != 1 || string(again[0].Body) != `{"b":2}` {
		t.Fatalf("unexpected redelivered batch: %+v", again)
	}
	if again[0].Handle == msgs[1].Handle {
		t.Fatalf("redelivery should mint a new handle")
	}
}

func TestInMemPublisherRecordsByDestination(t *testing.T) {
	p := NewInMemPublisher()
	if err := p.Publish(context.Background(), "results", []byte("x"), map[string]string{"k": "v"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := p.Published("results")
	if len(got) != 1 || string(got[0].Body) != "x" || got[0].Attributes["k"] != "v" {
		t.Fatalf("unexpected published messages: %+v", got)
	}
	if len(p.Published("other")) != 0 {
		t.Fatalf("unexpected messages on other destination")
	}
}
