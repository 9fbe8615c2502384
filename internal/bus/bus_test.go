package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/mdrrmo/fieldsync/internal/errors"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)

	sub, err := bus.Subscribe(ctx, SubjectFlushed, func(msg *Message) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish(ctx, SubjectFlushed, []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Data) != "hello" {
			t.Errorf("Expected 'hello', got %q", string(msg.Data))
		}
		if msg.Subject != SubjectFlushed {
			t.Errorf("Expected subject %q, got %q", SubjectFlushed, msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestMemoryBus_FanOut(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32
	for i := 0; i < 3; i++ {
		if _, err := bus.Subscribe(ctx, SubjectRevalidate, func(*Message) { received.Add(1) }); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	bus.Publish(ctx, SubjectRevalidate, nil)

	deadline := time.Now().Add(time.Second)
	for received.Load() != 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if received.Load() != 3 {
		t.Errorf("Expected 3 deliveries, got %d", received.Load())
	}
}

func TestMemoryBus_Wildcard(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	sub, err := bus.Subscribe(ctx, SubjectAll, func(*Message) { received.Add(1) })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish(ctx, SubjectWake, []byte("1"))
	bus.Publish(ctx, SubjectFlushed, []byte("2"))
	bus.Publish(ctx, "other.queue.wake", []byte("3")) // Should not match

	time.Sleep(100 * time.Millisecond)

	if received.Load() != 2 {
		t.Errorf("Expected 2 messages, got %d", received.Load())
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	sub, err := bus.Subscribe(ctx, SubjectWake, func(*Message) { received.Add(1) })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if sub.Subject() != SubjectWake {
		t.Errorf("Subject() = %q", sub.Subject())
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("second Unsubscribe failed: %v", err)
	}

	bus.Publish(ctx, SubjectWake, nil)
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("Expected no messages after unsubscribe, got %d", received.Load())
	}
}

func TestMemoryBus_Closed(t *testing.T) {
	bus := NewMemoryBus()
	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ctx := context.Background()
	if err := bus.Publish(ctx, SubjectWake, nil); !apperrors.Is(err, apperrors.ErrBusClosed) {
		t.Errorf("Publish on closed bus: %v", err)
	}
	if _, err := bus.Subscribe(ctx, SubjectWake, func(*Message) {}); !apperrors.Is(err, apperrors.ErrBusClosed) {
		t.Errorf("Subscribe on closed bus: %v", err)
	}
	if err := bus.Close(); err == nil {
		t.Error("second Close should fail")
	}
}

func TestPublishJSON(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)
	bus.Subscribe(ctx, SubjectFlushed, func(msg *Message) { received <- msg })

	type payload struct {
		Type string `json:"type"`
	}
	if err := PublishJSON(ctx, bus, SubjectFlushed, payload{Type: "QUEUE_FLUSHED"}); err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	select {
	case msg := <-received:
		var got payload
		if err := msg.Decode(&got); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if got.Type != "QUEUE_FLUSHED" {
			t.Errorf("Type = %q", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}

	if err := PublishJSON(ctx, bus, SubjectFlushed, func() {}); err == nil {
		t.Error("PublishJSON should fail for unencodable values")
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"fieldsync.queue.wake", "fieldsync.queue.wake", true},
		{"fieldsync.queue.*", "fieldsync.queue.wake", true},
		{"fieldsync.*", "fieldsync.queue.wake", false},
		{"fieldsync.>", "fieldsync.queue.wake", true},
		{"fieldsync.>", "fieldsync.revalidate", true},
		{"fieldsync.queue.wake", "fieldsync.queue.flushed", false},
	}

	for _, tt := range tests {
		if got := matchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("matchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestOpen(t *testing.T) {
	b, err := Open("", "test")
	if err != nil {
		t.Fatalf("Open without URL failed: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*MemoryBus); !ok {
		t.Errorf("Open without URL = %T, want *MemoryBus", b)
	}

	if _, err := Open("nats://127.0.0.1:1", "test"); err == nil {
		t.Error("Open with an unreachable server should fail")
	}
}
