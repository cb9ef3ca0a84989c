package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/tohenk/bridgeui/internal/logs"
)

func TestMemoryStore_ClosedRejectsCalls(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Enqueue(Item{Bridge: "b1"}); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("enqueue err = %v, want ErrStoreClosed", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("ping err = %v, want ErrStoreClosed", err)
	}
}

func TestMemoryStore_ActivityRetention(t *testing.T) {
	s := NewMemoryStore(WithActivityRetention(2))
	for i := 0; i < 5; i++ {
		if _, err := s.AppendActivity(logs.Entry{Message: "m"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := s.ListActivity(0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 4 || got[1].Seq != 5 {
		t.Fatalf("retained = %#v", got)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	it, err := s.Enqueue(Item{Bridge: "b1", Payload: []byte(`{"a":1}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	it.Payload[0] = 'x'
	got, err := s.Dequeue(DequeueRequest{})
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if string(got[0].Payload) != `{"a":1}` {
		t.Fatalf("payload mutated: %s", got[0].Payload)
	}
}
