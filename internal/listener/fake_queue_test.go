package listener

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"go.queueflow.tech/internal/queue"
)

// transientServerError mimics a 5xx from the queue service.
func transientServerError() error {
	return &azcore.ResponseError{StatusCode: http.StatusInternalServerError, ErrorCode: "InternalError"}
}

// notFoundError mimics a 404 for a deleted queue.
func notFoundError() error {
	return &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "QueueNotFound"}
}

// fakeQueue is a scriptable in-memory queue.Queue for listener tests.
type fakeQueue struct {
	mu sync.Mutex

	name    string
	account string

	existsFn  func(ctx context.Context) (bool, error)
	dequeueFn func(ctx context.Context, max int32, visibility time.Duration) ([]*queue.Message, error)
	extendFn  func(ctx context.Context, msg *queue.Message, visibility time.Duration) error
	deleteFn  func(ctx context.Context, msg *queue.Message) error
	attrsFn   func(ctx context.Context) (*queue.Attributes, error)
	peekFn    func(ctx context.Context) (*queue.Message, error)

	existsCalls  int
	dequeueCalls int

	deleted  []string
	enqueued [][]byte
	extends  []time.Duration
}

func newFakeQueue(name string) *fakeQueue {
	return &fakeQueue{name: name, account: "testaccount"}
}

func (f *fakeQueue) Name() string        { return f.name }
func (f *fakeQueue) AccountName() string { return f.account }

func (f *fakeQueue) Exists(ctx context.Context) (bool, error) {
	f.mu.Lock()
	f.existsCalls++
	fn := f.existsFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return true, nil
}

func (f *fakeQueue) Dequeue(ctx context.Context, max int32, visibility time.Duration) ([]*queue.Message, error) {
	f.mu.Lock()
	f.dequeueCalls++
	fn := f.dequeueFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, max, visibility)
	}
	return nil, nil
}

func (f *fakeQueue) ExtendVisibility(ctx context.Context, msg *queue.Message, visibility time.Duration) error {
	f.mu.Lock()
	fn := f.extendFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, msg, visibility); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.extends = append(f.extends, visibility)
	f.mu.Unlock()
	return nil
}

func (f *fakeQueue) Delete(ctx context.Context, msg *queue.Message) error {
	f.mu.Lock()
	fn := f.deleteFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ctx, msg); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.deleted = append(f.deleted, msg.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeQueue) Enqueue(ctx context.Context, body []byte) error {
	f.mu.Lock()
	f.enqueued = append(f.enqueued, body)
	f.mu.Unlock()
	return nil
}

func (f *fakeQueue) GetAttributes(ctx context.Context) (*queue.Attributes, error) {
	f.mu.Lock()
	fn := f.attrsFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return &queue.Attributes{}, nil
}

func (f *fakeQueue) Peek(ctx context.Context) (*queue.Message, error) {
	f.mu.Lock()
	fn := f.peekFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil, nil
}

func (f *fakeQueue) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

func (f *fakeQueue) enqueuedBodies() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.enqueued))
	copy(out, f.enqueued)
	return out
}

func (f *fakeQueue) extendCalls() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.extends))
	copy(out, f.extends)
	return out
}

func (f *fakeQueue) dequeues() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dequeueCalls
}

func (f *fakeQueue) existsProbes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existsCalls
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
