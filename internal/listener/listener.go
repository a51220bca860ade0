package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.queueflow.tech/internal/common/metrics"
	"go.queueflow.tech/internal/queue"
)

// ErrDisposed is returned by Start, Cancel and Stop after Dispose. Notify,
// Descriptor and Monitor do not check for disposal.
var ErrDisposed = errors.New("queue listener is disposed")

// pollWatchdogThreshold is how long a single batch fetch may run before the
// watchdog logs a diagnostic. The fetch itself is never aborted; only the
// poll-scope cancellation does that.
const pollWatchdogThreshold = 2 * time.Minute

// Config holds the listener's per-queue tuning.
type Config struct {
	// FunctionID identifies the triggered function in the descriptor.
	FunctionID string

	// BatchSize is the number of messages requested per poll.
	BatchSize int32

	// NewBatchThreshold gates the next poll: no fetch is issued while more
	// than this many dispatchers are in flight. Negative means BatchSize/2.
	NewBatchThreshold int32

	// MaxPollingInterval bounds the backoff delay between empty polls.
	MaxPollingInterval time.Duration

	// VisibilityTimeout is the initial invisibility window for each dequeue.
	VisibilityTimeout time.Duration

	// MinimumVisibilityRenewalInterval floors the accelerated renewal schedule.
	MinimumVisibilityRenewalInterval time.Duration
}

// DefaultConfig returns the standard listener tuning.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:                        DefaultBatchSize,
		NewBatchThreshold:                -1,
		MaxPollingInterval:               DefaultMaxPollingInterval,
		VisibilityTimeout:                DefaultVisibilityTimeout,
		MinimumVisibilityRenewalInterval: DefaultMinimumVisibilityRenewalInterval,
	}
}

func (c *Config) normalize() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size %d must be greater than zero", c.BatchSize)
	}
	if c.NewBatchThreshold < 0 {
		c.NewBatchThreshold = c.BatchSize / 2
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.MinimumVisibilityRenewalInterval <= 0 {
		c.MinimumVisibilityRenewalInterval = DefaultMinimumVisibilityRenewalInterval
	}
	if c.MaxPollingInterval == 0 {
		c.MaxPollingInterval = DefaultMaxPollingInterval
	}
	if c.MaxPollingInterval < MinimumPollingInterval {
		return fmt.Errorf("max polling interval %v must be at least %v", c.MaxPollingInterval, MinimumPollingInterval)
	}
	return nil
}

// ExceptionSink receives errors a background dispatcher could not surface
// anywhere else. Reports happen synchronously at the point of occurrence.
type ExceptionSink interface {
	ReportUnhandled(queueName, messageID string, err error)
}

type logExceptionSink struct{}

func (logExceptionSink) ReportUnhandled(queueName, messageID string, err error) {
	log.Error().
		Err(err).
		Str("queue", queueName).
		Str("messageId", messageID).
		Msg("Unhandled dispatcher error")
}

type existenceState int

const (
	existenceUnknown existenceState = iota
	existenceExists
	existenceMissing
)

// dispatchTask is one in-flight message dispatch.
type dispatchTask struct {
	messageID string
}

// Listener consumes one storage queue: it polls adaptively, fans batches out
// to concurrent dispatchers, renews visibility while handlers run, finalizes
// messages through the MessageProcessor, and exposes a ScaleMonitor bound to
// its queue.
type Listener struct {
	q         queue.Queue
	cfg       *Config
	handler   Handler
	processor MessageProcessor
	backoff   *RandomizedExponentialBackoff
	delay     *NotifiableDelay
	monitor   *ScaleMonitor
	sink      ExceptionSink

	// Poll scope: cancelled by Stop and Cancel. Covers fetches, delays,
	// handler invocations, and renewers.
	pollCtx    context.Context
	pollCancel context.CancelFunc

	// Graceful-completion scope: cancelled only on hard shutdown so that
	// message finalization survives an ordinary Stop.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	// In-flight accounting. Mutated only by the poll loop (adds on spawn,
	// removals drained from completions) and by Stop after the loop exits,
	// preserving the single-writer invariant.
	inFlight    int
	completions chan *dispatchTask

	// Touched only by the poll loop.
	existence                  existenceState
	foundMessageSinceLastDelay bool

	loopDone chan struct{}
	faultMu  sync.Mutex
	fault    error

	stateMu  sync.Mutex
	started  bool
	disposed bool
}

// New creates a listener for q. The handler runs each message; the processor
// decides skip/retry/poison policy. A nil sink logs unhandled errors.
func New(q queue.Queue, cfg *Config, handler Handler, processor MessageProcessor, sink ExceptionSink) (*Listener, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("listener requires a handler")
	}
	if processor == nil {
		return nil, errors.New("listener requires a message processor")
	}
	if sink == nil {
		sink = logExceptionSink{}
	}

	backoff, err := NewRandomizedExponentialBackoff(MinimumPollingInterval, cfg.MaxPollingInterval)
	if err != nil {
		return nil, err
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())
	gracefulCtx, gracefulCancel := context.WithCancel(context.Background())

	return &Listener{
		q:              q,
		cfg:            cfg,
		handler:        handler,
		processor:      processor,
		backoff:        backoff,
		delay:          NewNotifiableDelay(),
		monitor:        NewScaleMonitor(q, DefaultScaleSampleWindow),
		sink:           sink,
		pollCtx:        pollCtx,
		pollCancel:     pollCancel,
		gracefulCtx:    gracefulCtx,
		gracefulCancel: gracefulCancel,
		completions:    make(chan *dispatchTask, int(cfg.NewBatchThreshold+cfg.BatchSize)),
		loopDone:       make(chan struct{}),
	}, nil
}

// Descriptor identifies this listener for registration and logging.
func (l *Listener) Descriptor() string {
	return strings.ToLower(fmt.Sprintf("%s-queuetrigger-%s", l.cfg.FunctionID, l.q.Name()))
}

// Monitor returns the scale monitor bound to this listener's queue.
func (l *Listener) Monitor() *ScaleMonitor {
	return l.monitor
}

// Notify short-circuits any active backoff delay so the next poll begins
// promptly. Safe from any goroutine. A notify that arrives while the loop is
// polling cuts that iteration's delay short; the wake handle is replaced at
// the start of every iteration, so a notify is never carried further.
func (l *Listener) Notify() {
	l.delay.Notify()
}

// Start launches the poll loop. The first poll happens at once. The caller
// guarantees a single start.
func (l *Listener) Start() error {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.disposed {
		return ErrDisposed
	}
	if l.started {
		return fmt.Errorf("listener %s already started", l.Descriptor())
	}
	l.started = true

	log.Info().
		Str("listener", l.Descriptor()).
		Int32("batchSize", l.cfg.BatchSize).
		Int32("newBatchThreshold", l.cfg.NewBatchThreshold).
		Dur("maxPollingInterval", l.cfg.MaxPollingInterval).
		Dur("visibilityTimeout", l.cfg.VisibilityTimeout).
		Msg("Queue listener starting")

	go l.pollLoop()
	return nil
}

// Cancel requests the poll loop to exit its current wait without awaiting
// in-flight dispatchers.
func (l *Listener) Cancel() error {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.disposed {
		return ErrDisposed
	}
	l.pollCancel()
	return nil
}

// Stop cancels the poll scope and awaits the poll loop and every in-flight
// dispatcher to natural completion, so finalization calls finish. If ctx
// fires while waiting, the graceful-completion scope is cancelled as well and
// remaining CompleteProcessing calls abort.
func (l *Listener) Stop(ctx context.Context) error {
	l.stateMu.Lock()
	if l.disposed {
		l.stateMu.Unlock()
		return ErrDisposed
	}
	started := l.started
	l.stateMu.Unlock()

	l.pollCancel()
	if !started {
		return nil
	}

	// The poll loop exits its wait immediately on cancellation; once it has
	// returned, this goroutine is the only writer of the in-flight set.
	<-l.loopDone

	hardStopped := false
	for l.inFlight > 0 {
		select {
		case <-l.completions:
			l.inFlight--
			metrics.ListenerInFlight.WithLabelValues(l.q.Name()).Set(float64(l.inFlight))
		case <-ctx.Done():
			if !hardStopped {
				hardStopped = true
				l.gracefulCancel()
				log.Warn().
					Str("listener", l.Descriptor()).
					Int("inFlight", l.inFlight).
					Msg("Stop cancelled, aborting message finalization")
			}
		}
	}

	log.Info().Str("listener", l.Descriptor()).Msg("Queue listener stopped")
	return l.loadFault()
}

// Dispose tears down both cancellation scopes. Subsequent Start, Cancel and
// Stop calls fail with ErrDisposed.
func (l *Listener) Dispose() {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.disposed {
		return
	}
	l.disposed = true
	l.pollCancel()
	l.gracefulCancel()
}

func (l *Listener) storeFault(err error) {
	l.faultMu.Lock()
	if l.fault == nil {
		l.fault = err
	}
	l.faultMu.Unlock()
}

func (l *Listener) loadFault() error {
	l.faultMu.Lock()
	defer l.faultMu.Unlock()
	return l.fault
}

// pollLoop is the single logical driver: poll, fan out, wait.
func (l *Listener) pollLoop() {
	defer close(l.loopDone)

	for {
		if l.pollCtx.Err() != nil {
			return
		}

		// Fresh one-shot wake handle for this iteration.
		l.delay.Install()
		l.drainCompleted()

		succeeded, err := l.pollOnce()
		if err != nil {
			// Storage-other: the listener faults and the host supervisor
			// is responsible for a restart.
			l.storeFault(err)
			l.sink.ReportUnhandled(l.q.Name(), "", err)
			log.Error().
				Err(err).
				Str("listener", l.Descriptor()).
				Msg("Queue listener faulted")
			return
		}
		if l.pollCtx.Err() != nil {
			return
		}

		if succeeded {
			l.foundMessageSinceLastDelay = true
			if !l.waitForCapacity() {
				return
			}
			continue
		}

		delay := l.backoff.Next(l.foundMessageSinceLastDelay)
		l.foundMessageSinceLastDelay = false
		metrics.ListenerBackoffDelay.WithLabelValues(l.q.Name()).Set(delay.Seconds())
		log.Debug().
			Str("listener", l.Descriptor()).
			Dur("delay", delay).
			Msg("Idle, backing off")

		if l.delay.Wait(l.pollCtx, delay) == WaitCancelled {
			return
		}
	}
}

// pollOnce probes existence if needed, fetches one batch, and fans it out.
// It returns whether the batch contained at least one message. A non-nil
// error is fatal to the listener; transient storage errors come back as a
// failed poll instead.
func (l *Listener) pollOnce() (bool, error) {
	if l.existence != existenceExists {
		exists, err := l.q.Exists(l.pollCtx)
		if err != nil {
			l.existence = existenceUnknown
			return false, l.classifyStorageError(err)
		}
		if !exists {
			l.existence = existenceMissing
			log.Debug().Str("queue", l.q.Name()).Msg("Queue does not exist, skipping poll")
			return false, nil
		}
		l.existence = existenceExists
	}

	clientRequestID := uuid.NewString()
	watchdog := time.AfterFunc(pollWatchdogThreshold, func() {
		log.Warn().
			Str("queue", l.q.Name()).
			Str("clientRequestId", clientRequestID).
			Dur("threshold", pollWatchdogThreshold).
			Msg("Batch fetch exceeded watchdog threshold")
	})
	start := time.Now()
	batch, err := l.q.Dequeue(l.pollCtx, l.cfg.BatchSize, l.cfg.VisibilityTimeout)
	watchdog.Stop()
	elapsed := time.Since(start)

	metrics.ListenerPollDuration.WithLabelValues(l.q.Name()).Observe(elapsed.Seconds())

	if err != nil {
		l.existence = existenceUnknown
		return false, l.classifyStorageError(err)
	}

	metrics.ListenerBatchSize.WithLabelValues(l.q.Name()).Observe(float64(len(batch)))
	log.Debug().
		Str("queue", l.q.Name()).
		Str("clientRequestId", clientRequestID).
		Dur("latency", elapsed).
		Int("messages", len(batch)).
		Msg("Polled queue")

	succeeded := false
	for _, msg := range batch {
		if msg == nil {
			continue
		}
		succeeded = true
		l.spawnDispatcher(msg)
	}
	return succeeded, nil
}

// classifyStorageError maps a storage error to the poll outcome: nil for
// transient kinds and cancellation, the error itself when fatal.
func (l *Listener) classifyStorageError(err error) error {
	if queue.IsCancellation(err) {
		return nil
	}

	var kind string
	switch {
	case queue.IsNotFound(err):
		kind = "not_found"
	case queue.IsBeingDeletedOrDisabled(err):
		kind = "conflict"
	case queue.IsServerSideError(err):
		kind = "server_error"
	default:
		return err
	}

	metrics.ListenerStorageErrors.WithLabelValues(l.q.Name(), kind).Inc()
	log.Warn().
		Err(err).
		Str("queue", l.q.Name()).
		Str("kind", kind).
		Msg("Transient storage error while polling")
	return nil
}

// spawnDispatcher runs one message on its own goroutine and records it in
// the in-flight set.
func (l *Listener) spawnDispatcher(msg *queue.Message) {
	task := &dispatchTask{messageID: msg.ID}
	l.inFlight++
	metrics.ListenerInFlight.WithLabelValues(l.q.Name()).Set(float64(l.inFlight))

	go func() {
		defer func() { l.completions <- task }()
		l.dispatch(msg)
	}()
}

// drainCompleted removes finished tasks without blocking.
func (l *Listener) drainCompleted() {
	for {
		select {
		case <-l.completions:
			l.inFlight--
			metrics.ListenerInFlight.WithLabelValues(l.q.Name()).Set(float64(l.inFlight))
		default:
			return
		}
	}
}

// waitForCapacity blocks until the in-flight count is back at or below the
// new-batch threshold, removing tasks as they complete. Returns false when
// the poll scope is cancelled.
func (l *Listener) waitForCapacity() bool {
	for l.inFlight > int(l.cfg.NewBatchThreshold) {
		select {
		case <-l.completions:
			l.inFlight--
			metrics.ListenerInFlight.WithLabelValues(l.q.Name()).Set(float64(l.inFlight))
		case <-l.pollCtx.Done():
			return false
		}
	}
	return true
}

// dispatch runs one message through begin, handler with visibility renewal,
// and completion. Cancellation-family errors are swallowed; anything else is
// reported to the exception sink immediately.
func (l *Listener) dispatch(msg *queue.Message) {
	if !l.processor.BeginProcessing(l.pollCtx, msg) {
		return
	}

	renewer := StartVisibilityRenewer(l.pollCtx, l.q, msg, l.cfg.VisibilityTimeout, l.cfg.MinimumVisibilityRenewalInterval)
	result := l.invokeHandler(msg)
	renewer.Stop()

	// Finalization runs under the graceful-completion scope so that an
	// ordinary Stop lets deletes and poison inserts finish.
	if err := l.processor.CompleteProcessing(l.gracefulCtx, msg, result); err != nil {
		if queue.IsCancellation(err) {
			return
		}
		l.sink.ReportUnhandled(l.q.Name(), msg.ID, err)
	}
}

// invokeHandler runs the user handler, converting a panic into a failed
// result so the retry/poison policy applies.
func (l *Listener) invokeHandler(msg *queue.Message) (result FunctionResult) {
	defer func() {
		if r := recover(); r != nil {
			result = FunctionResult{Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()
	return l.handler.Execute(l.pollCtx, msg)
}
