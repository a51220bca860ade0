// Package azure provides the Azure Storage Queue implementation
package azure

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/rs/zerolog/log"

	"go.queueflow.tech/internal/queue"
)

// maxVisibilitySeconds is the service maximum for a visibility timeout (7 days).
const maxVisibilitySeconds = 7 * 24 * 60 * 60

// Queue wraps an azqueue.QueueClient behind the queue.Queue interface.
type Queue struct {
	client      *azqueue.QueueClient
	name        string
	accountName string
}

// NewQueue creates a queue client for the named queue from a storage account
// connection string.
func NewQueue(connectionString, queueName string) (*Queue, error) {
	client, err := azqueue.NewQueueClientFromConnectionString(connectionString, queueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue client for %q: %w", queueName, err)
	}

	q := &Queue{
		client:      client,
		name:        strings.ToLower(queueName),
		accountName: accountNameFromURL(client.URL()),
	}

	log.Info().
		Str("queue", q.name).
		Str("account", q.accountName).
		Msg("Storage queue client created")

	return q, nil
}

// accountNameFromURL extracts the storage account from a queue endpoint URL.
// Queue client handles are not comparable; registrations key off account+name.
func accountNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := u.Host
	if i := strings.Index(host, "."); i > 0 {
		return strings.ToLower(host[:i])
	}
	return strings.ToLower(host)
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// AccountName returns the storage account name.
func (q *Queue) AccountName() string {
	return q.accountName
}

// Create creates the queue if it does not already exist.
func (q *Queue) Create(ctx context.Context) error {
	_, err := q.client.Create(ctx, nil)
	if err != nil && !queue.IsBeingDeletedOrDisabled(err) {
		return fmt.Errorf("failed to create queue %q: %w", q.name, err)
	}
	return nil
}

// Exists probes the queue by fetching its properties.
func (q *Queue) Exists(ctx context.Context) (bool, error) {
	_, err := q.client.GetProperties(ctx, nil)
	if err != nil {
		if queue.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Dequeue retrieves up to maxMessages messages with the given visibility window.
func (q *Queue) Dequeue(ctx context.Context, maxMessages int32, visibility time.Duration) ([]*queue.Message, error) {
	visibilitySeconds := visibilityToSeconds(visibility)
	resp, err := q.client.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  &maxMessages,
		VisibilityTimeout: &visibilitySeconds,
	})
	if err != nil {
		return nil, err
	}

	messages := make([]*queue.Message, 0, len(resp.Messages))
	for _, raw := range resp.Messages {
		if raw == nil || raw.MessageID == nil {
			continue
		}
		msg := &queue.Message{
			ID: *raw.MessageID,
		}
		if raw.MessageText != nil {
			msg.Body = []byte(*raw.MessageText)
		}
		if raw.PopReceipt != nil {
			msg.PopReceipt = *raw.PopReceipt
		}
		if raw.DequeueCount != nil {
			msg.DequeueCount = *raw.DequeueCount
		}
		if raw.InsertionTime != nil {
			msg.InsertedAt = *raw.InsertionTime
		}
		if raw.TimeNextVisible != nil {
			msg.NextVisible = *raw.TimeNextVisible
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// ExtendVisibility re-extends the message invisibility by the given duration
// from now. The service invalidates the old pop receipt on update, so the
// refreshed receipt is written back to the message.
func (q *Queue) ExtendVisibility(ctx context.Context, msg *queue.Message, visibility time.Duration) error {
	visibilitySeconds := visibilityToSeconds(visibility)
	resp, err := q.client.UpdateMessage(ctx, msg.ID, msg.PopReceipt, string(msg.Body), &azqueue.UpdateMessageOptions{
		VisibilityTimeout: &visibilitySeconds,
	})
	if err != nil {
		return err
	}
	if resp.PopReceipt != nil {
		msg.PopReceipt = *resp.PopReceipt
	}
	if resp.TimeNextVisible != nil {
		msg.NextVisible = *resp.TimeNextVisible
	}
	return nil
}

// Delete removes the message from the queue.
func (q *Queue) Delete(ctx context.Context, msg *queue.Message) error {
	_, err := q.client.DeleteMessage(ctx, msg.ID, msg.PopReceipt, nil)
	return err
}

// Enqueue adds a message with the given body.
func (q *Queue) Enqueue(ctx context.Context, body []byte) error {
	_, err := q.client.EnqueueMessage(ctx, string(body), nil)
	return err
}

// GetAttributes fetches the approximate queue length from the service.
func (q *Queue) GetAttributes(ctx context.Context) (*queue.Attributes, error) {
	props, err := q.client.GetProperties(ctx, nil)
	if err != nil {
		return nil, err
	}

	attrs := &queue.Attributes{}
	if props.ApproximateMessagesCount != nil {
		attrs.ApproximateMessageCount = int64(*props.ApproximateMessagesCount)
	}
	return attrs, nil
}

// Peek returns the head message without dequeuing, or nil when empty.
func (q *Queue) Peek(ctx context.Context) (*queue.Message, error) {
	one := int32(1)
	resp, err := q.client.PeekMessages(ctx, &azqueue.PeekMessagesOptions{NumberOfMessages: &one})
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 || resp.Messages[0] == nil || resp.Messages[0].MessageID == nil {
		return nil, nil
	}

	raw := resp.Messages[0]
	msg := &queue.Message{
		ID: *raw.MessageID,
	}
	if raw.MessageText != nil {
		msg.Body = []byte(*raw.MessageText)
	}
	if raw.DequeueCount != nil {
		msg.DequeueCount = *raw.DequeueCount
	}
	if raw.InsertionTime != nil {
		msg.InsertedAt = *raw.InsertionTime
	}
	return msg, nil
}

func visibilityToSeconds(visibility time.Duration) int32 {
	seconds := int64(visibility / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	if seconds > maxVisibilitySeconds {
		seconds = maxVisibilitySeconds
	}
	return int32(seconds)
}
