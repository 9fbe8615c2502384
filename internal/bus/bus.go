// Package bus carries messages between the write-queue agent and foreground
// surfaces. A MemoryBus connects components inside one process; a NATSBus
// connects an agent daemon to surfaces in other processes.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/mdrrmo/fieldsync/internal/errors"
)

// Subjects used by fieldsync.
const (
	// SubjectFlushed carries a models.FlushMessage after each drain pass that
	// delivered at least one operation.
	SubjectFlushed = "fieldsync.queue.flushed"

	// SubjectWake asks the agent to drain now.
	SubjectWake = "fieldsync.queue.wake"

	// SubjectRevalidate asks foreground clients to refresh cached data.
	SubjectRevalidate = "fieldsync.revalidate"

	// SubjectAll matches every fieldsync subject.
	SubjectAll = "fieldsync.>"
)

// ErrClosed is returned when operating on a closed bus.
var ErrClosed = apperrors.New(apperrors.ErrBusClosed, "bus is closed")

// MessageBus is the publish/subscribe contract. Implementations must be safe
// for concurrent use.
type MessageBus interface {
	// Publish sends data to every subscriber of subject. It does not wait
	// for delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers handler for subject. Wildcards follow NATS rules:
	// "*" matches one token, ">" matches the rest.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes one message.
type MessageHandler func(msg *Message)

// Message is one delivered message.
type Message struct {
	Subject string
	Data    []byte
}

// Decode unmarshals the message payload into dst.
func (m *Message) Decode(dst any) error {
	return json.Unmarshal(m.Data, dst)
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// PublishJSON encodes v and publishes it on subject.
func PublishJSON(ctx context.Context, b MessageBus, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", subject, err)
	}
	return b.Publish(ctx, subject, data)
}
