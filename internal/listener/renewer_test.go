package listener

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/assert"

	"go.queueflow.tech/internal/queue"
)

func TestRenewerExtendsOnSchedule(t *testing.T) {
	q := newFakeQueue("orders")
	msg := &queue.Message{ID: "m1", PopReceipt: "r1"}

	// Visibility 200ms: first extension near 100ms, then every 100ms.
	r := StartVisibilityRenewer(context.Background(), q, msg, 200*time.Millisecond, 50*time.Millisecond)

	assert.True(t, waitUntil(2*time.Second, func() bool {
		return len(q.extendCalls()) >= 2
	}), "expected at least two extensions while the handler runs long")

	r.Stop()
	after := len(q.extendCalls())
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, after, len(q.extendCalls()), "no extensions after Stop")

	for _, v := range q.extendCalls() {
		assert.Equal(t, 200*time.Millisecond, v, "each extension re-extends by the full window")
	}
}

func TestRenewerNoExtensionForFastHandler(t *testing.T) {
	q := newFakeQueue("orders")
	msg := &queue.Message{ID: "m1", PopReceipt: "r1"}

	r := StartVisibilityRenewer(context.Background(), q, msg, 10*time.Minute, time.Minute)
	time.Sleep(50 * time.Millisecond)
	r.Stop()

	assert.Empty(t, q.extendCalls(), "handler finishing before V/2 must not trigger extensions")
}

func TestRenewerAcceleratesAfterFailure(t *testing.T) {
	q := newFakeQueue("orders")
	var mu sync.Mutex
	var attempts []time.Time
	fail := true
	q.extendFn = func(ctx context.Context, msg *queue.Message, visibility time.Duration) error {
		mu.Lock()
		attempts = append(attempts, time.Now())
		shouldFail := fail
		fail = false
		mu.Unlock()
		if shouldFail {
			return errors.New("transient storage glitch")
		}
		return nil
	}
	msg := &queue.Message{ID: "m1", PopReceipt: "r1"}

	// Normal cadence 100ms; after the failure the retry fires at the 50ms floor.
	r := StartVisibilityRenewer(context.Background(), q, msg, 200*time.Millisecond, 50*time.Millisecond)

	assert.True(t, waitUntil(2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 2
	}), "failed extension must be retried on the accelerated schedule")
	r.Stop()
}

func TestRenewerExitsWhenMessageGone(t *testing.T) {
	q := newFakeQueue("orders")
	q.extendFn = func(ctx context.Context, msg *queue.Message, visibility time.Duration) error {
		return &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "MessageNotFound"}
	}
	msg := &queue.Message{ID: "m1", PopReceipt: "r1"}

	r := StartVisibilityRenewer(context.Background(), q, msg, 100*time.Millisecond, 10*time.Millisecond)

	// The renewer exits on its own; Stop must return promptly.
	done := make(chan struct{})
	go func() {
		time.Sleep(300 * time.Millisecond)
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("renewer did not exit after the message was gone")
	}
}

func TestRenewerStopsOnParentCancellation(t *testing.T) {
	q := newFakeQueue("orders")
	ctx, cancel := context.WithCancel(context.Background())
	msg := &queue.Message{ID: "m1", PopReceipt: "r1"}

	r := StartVisibilityRenewer(ctx, q, msg, 10*time.Minute, time.Minute)
	cancel()

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("renewer did not stop on parent cancellation")
	}
}
