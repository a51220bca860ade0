// Package queue defines the storage queue abstraction consumed by the listener
package queue

import (
	"context"
	"time"
)

// Message is a dequeued storage queue message. The pop receipt authorizes
// visibility updates and deletion and is refreshed on every successful
// visibility extension.
type Message struct {
	ID           string
	Body         []byte
	PopReceipt   string
	DequeueCount int64
	InsertedAt   time.Time
	NextVisible  time.Time
}

// Age returns how long the message has been in the queue relative to now.
func (m *Message) Age(now time.Time) time.Duration {
	if m.InsertedAt.IsZero() {
		return 0
	}
	return now.Sub(m.InsertedAt)
}

// Attributes holds queue-level metadata from the service.
type Attributes struct {
	// ApproximateMessageCount is the service's approximate queue length.
	// Stale when the queue recently emptied; callers cross-check with Peek.
	ApproximateMessageCount int64
}

// Queue is the minimal storage queue surface the listener needs.
// Implementations wrap a concrete SDK client; see internal/queue/azure.
type Queue interface {
	// Name returns the queue name (lowercased by the service).
	Name() string

	// AccountName returns the storage account owning the queue.
	AccountName() string

	// Exists probes whether the queue exists.
	Exists(ctx context.Context) (bool, error)

	// Dequeue retrieves up to maxMessages messages, making each invisible
	// for the given visibility window. May return fewer than requested,
	// or none.
	Dequeue(ctx context.Context, maxMessages int32, visibility time.Duration) ([]*Message, error)

	// ExtendVisibility re-extends the message's invisibility by the given
	// duration from now and refreshes msg.PopReceipt on success.
	ExtendVisibility(ctx context.Context, msg *Message, visibility time.Duration) error

	// Delete removes the message using its current pop receipt.
	Delete(ctx context.Context, msg *Message) error

	// Enqueue adds a new message with the given body.
	Enqueue(ctx context.Context, body []byte) error

	// GetAttributes fetches queue-level metadata.
	GetAttributes(ctx context.Context) (*Attributes, error)

	// Peek returns the head message without dequeuing it, or nil when the
	// queue is empty.
	Peek(ctx context.Context) (*Message, error)
}
