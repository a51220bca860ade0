package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"go.queueflow.tech/internal/common/metrics"
	"go.queueflow.tech/internal/queue"
)

// Defaults for message processing.
const (
	DefaultBatchSize         = 16
	DefaultMaxDequeueCount   = 5
	DefaultVisibilityTimeout = 10 * time.Minute
)

// FunctionResult is the outcome of one handler invocation.
type FunctionResult struct {
	Succeeded bool
	Err       error
}

// Handler executes the user function for one message.
type Handler interface {
	Execute(ctx context.Context, msg *queue.Message) FunctionResult
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *queue.Message) FunctionResult

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, msg *queue.Message) FunctionResult {
	return f(ctx, msg)
}

// MessageProcessor brackets each message's execution: BeginProcessing decides
// whether to run it at all, and CompleteProcessing finalizes the message
// according to the handler outcome.
type MessageProcessor interface {
	// BeginProcessing returns false to skip the message entirely, e.g. when
	// its dequeue count already exceeded the retry budget.
	BeginProcessing(ctx context.Context, msg *queue.Message) bool

	// CompleteProcessing deletes the message on success, releases it for
	// retry on failure, or moves it to the poison queue once the retry
	// budget is exhausted.
	CompleteProcessing(ctx context.Context, msg *queue.Message, result FunctionResult) error
}

// PoisonHandler is invoked after a message lands in the poison queue.
type PoisonHandler func(poisoned *queue.Message)

// QueueProcessor is the default MessageProcessor: retry up to MaxDequeueCount
// deliveries, then copy to the poison queue, delete the original, and fire
// the poison event.
type QueueProcessor struct {
	q               queue.Queue
	poisonQueue     queue.Queue
	maxDequeueCount int64
	onPoison        []PoisonHandler
}

// NewQueueProcessor creates a processor finalizing messages on q. poisonQueue
// may be nil, in which case exhausted messages are deleted without a copy.
func NewQueueProcessor(q, poisonQueue queue.Queue, maxDequeueCount int64) *QueueProcessor {
	if maxDequeueCount <= 0 {
		maxDequeueCount = DefaultMaxDequeueCount
	}
	return &QueueProcessor{
		q:               q,
		poisonQueue:     poisonQueue,
		maxDequeueCount: maxDequeueCount,
	}
}

// OnPoisonMessage registers a handler fired after each poison insert.
func (p *QueueProcessor) OnPoisonMessage(h PoisonHandler) {
	p.onPoison = append(p.onPoison, h)
}

// BeginProcessing skips messages whose dequeue count already exceeded the
// budget, routing them straight to the poison queue.
func (p *QueueProcessor) BeginProcessing(ctx context.Context, msg *queue.Message) bool {
	if msg.DequeueCount <= p.maxDequeueCount {
		return true
	}

	log.Warn().
		Str("queue", p.q.Name()).
		Str("messageId", msg.ID).
		Int64("dequeueCount", msg.DequeueCount).
		Int64("maxDequeueCount", p.maxDequeueCount).
		Msg("Message exceeded dequeue budget before processing, poisoning")

	if err := p.moveToPoisonQueue(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("queue", p.q.Name()).
			Str("messageId", msg.ID).
			Msg("Failed to poison message during begin")
	}
	metrics.ListenerMessagesProcessed.WithLabelValues(p.q.Name(), "skipped").Inc()
	return false
}

// CompleteProcessing finalizes the message. On success it is deleted; on
// failure it is released for redelivery, or poisoned once the dequeue count
// reaches the budget.
func (p *QueueProcessor) CompleteProcessing(ctx context.Context, msg *queue.Message, result FunctionResult) error {
	if result.Succeeded {
		if err := p.q.Delete(ctx, msg); err != nil {
			return fmt.Errorf("failed to delete message %s: %w", msg.ID, err)
		}
		metrics.ListenerMessagesProcessed.WithLabelValues(p.q.Name(), "success").Inc()
		return nil
	}

	if msg.DequeueCount >= p.maxDequeueCount {
		if err := p.moveToPoisonQueue(ctx, msg); err != nil {
			return err
		}
		return nil
	}

	// Release for retry: make the message visible again immediately. The
	// service increments the dequeue count on the next delivery.
	if err := p.q.ExtendVisibility(ctx, msg, 0); err != nil {
		return fmt.Errorf("failed to release message %s for retry: %w", msg.ID, err)
	}
	metrics.ListenerMessagesProcessed.WithLabelValues(p.q.Name(), "retried").Inc()
	log.Debug().
		Str("queue", p.q.Name()).
		Str("messageId", msg.ID).
		Int64("dequeueCount", msg.DequeueCount).
		Msg("Released message for retry")
	return nil
}

func (p *QueueProcessor) moveToPoisonQueue(ctx context.Context, msg *queue.Message) error {
	if p.poisonQueue != nil {
		if err := p.poisonQueue.Enqueue(ctx, msg.Body); err != nil {
			return fmt.Errorf("failed to copy message %s to poison queue: %w", msg.ID, err)
		}
	}

	if err := p.q.Delete(ctx, msg); err != nil {
		return fmt.Errorf("failed to delete poisoned message %s: %w", msg.ID, err)
	}

	metrics.ListenerMessagesProcessed.WithLabelValues(p.q.Name(), "poisoned").Inc()
	metrics.ListenerPoisonMessages.WithLabelValues(p.q.Name()).Inc()

	poisonQueueName := ""
	if p.poisonQueue != nil {
		poisonQueueName = p.poisonQueue.Name()
	}
	log.Warn().
		Str("queue", p.q.Name()).
		Str("poisonQueue", poisonQueueName).
		Str("messageId", msg.ID).
		Int64("dequeueCount", msg.DequeueCount).
		Msg("Message moved to poison queue")

	if p.poisonQueue != nil {
		for _, h := range p.onPoison {
			h(msg)
		}
	}
	return nil
}
