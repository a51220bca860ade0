package listener

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.queueflow.tech/internal/queue"
)

func TestQueueProcessorBeginAllowsWithinBudget(t *testing.T) {
	q := newFakeQueue("orders")
	poison := newFakeQueue("orders-poison")
	p := NewQueueProcessor(q, poison, 5)

	msg := &queue.Message{ID: "m1", DequeueCount: 5}
	assert.True(t, p.BeginProcessing(context.Background(), msg))
	assert.Empty(t, poison.enqueuedBodies())
}

func TestQueueProcessorBeginSkipsAndPoisonsOverBudget(t *testing.T) {
	q := newFakeQueue("orders")
	poison := newFakeQueue("orders-poison")
	p := NewQueueProcessor(q, poison, 5)

	var poisoned []*queue.Message
	p.OnPoisonMessage(func(m *queue.Message) {
		poisoned = append(poisoned, m)
	})

	msg := &queue.Message{ID: "m1", Body: []byte("payload"), DequeueCount: 6}
	assert.False(t, p.BeginProcessing(context.Background(), msg))
	assert.Equal(t, [][]byte{[]byte("payload")}, poison.enqueuedBodies())
	assert.Equal(t, []string{"m1"}, q.deletedIDs())
	require.Len(t, poisoned, 1)
	assert.Equal(t, "m1", poisoned[0].ID)
}

func TestQueueProcessorCompleteDeletesOnSuccess(t *testing.T) {
	q := newFakeQueue("orders")
	p := NewQueueProcessor(q, newFakeQueue("orders-poison"), 5)

	msg := &queue.Message{ID: "m1", DequeueCount: 1}
	err := p.CompleteProcessing(context.Background(), msg, FunctionResult{Succeeded: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, q.deletedIDs())
	assert.Empty(t, q.extendCalls())
}

func TestQueueProcessorCompleteReleasesForRetry(t *testing.T) {
	q := newFakeQueue("orders")
	poison := newFakeQueue("orders-poison")
	p := NewQueueProcessor(q, poison, 5)

	msg := &queue.Message{ID: "m1", DequeueCount: 2}
	err := p.CompleteProcessing(context.Background(), msg, FunctionResult{Err: errors.New("handler failed")})
	require.NoError(t, err)

	assert.Empty(t, q.deletedIDs())
	assert.Empty(t, poison.enqueuedBodies())
	require.Len(t, q.extendCalls(), 1)
	assert.Equal(t, time.Duration(0), q.extendCalls()[0], "release makes the message visible immediately")
}

func TestQueueProcessorCompletePoisonsAtBudget(t *testing.T) {
	q := newFakeQueue("orders")
	poison := newFakeQueue("orders-poison")
	p := NewQueueProcessor(q, poison, 5)

	fired := 0
	p.OnPoisonMessage(func(*queue.Message) { fired++ })

	msg := &queue.Message{ID: "m1", Body: []byte("bad"), DequeueCount: 5}
	err := p.CompleteProcessing(context.Background(), msg, FunctionResult{Err: errors.New("handler failed")})
	require.NoError(t, err)

	assert.Equal(t, [][]byte{[]byte("bad")}, poison.enqueuedBodies())
	assert.Equal(t, []string{"m1"}, q.deletedIDs())
	assert.Equal(t, 1, fired, "poison event fires after the poison insert")
}

func TestQueueProcessorNilPoisonQueueStillDeletes(t *testing.T) {
	q := newFakeQueue("orders")
	p := NewQueueProcessor(q, nil, 1)

	msg := &queue.Message{ID: "m1", DequeueCount: 1}
	err := p.CompleteProcessing(context.Background(), msg, FunctionResult{Err: errors.New("handler failed")})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, q.deletedIDs())
}
