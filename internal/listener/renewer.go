package listener

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"go.queueflow.tech/internal/common/metrics"
	"go.queueflow.tech/internal/queue"
)

// DefaultMinimumVisibilityRenewalInterval floors the accelerated renewal
// schedule after extension failures.
const DefaultMinimumVisibilityRenewalInterval = time.Minute

// linearSpeedup computes visibility renewal intervals: the normal cadence is
// half the visibility window; each failure halves the interval, floored at
// the configured minimum, and a success restores the normal cadence.
type linearSpeedup struct {
	normal  time.Duration
	minimum time.Duration
}

func (s linearSpeedup) next(current time.Duration, succeeded bool) time.Duration {
	if succeeded {
		return s.normal
	}
	half := current / 2
	if half < s.minimum {
		half = s.minimum
	}
	return half
}

// VisibilityRenewer keeps one message invisible while its handler runs,
// re-extending the invisibility window on a shrinking schedule until stopped.
type VisibilityRenewer struct {
	q          queue.Queue
	msg        *queue.Message
	visibility time.Duration
	schedule   linearSpeedup

	cancel context.CancelFunc
	done   chan struct{}
}

// StartVisibilityRenewer begins renewing the message's invisibility. The
// first extension fires at half the visibility window. The renewer stops when
// Stop is called or the parent context is cancelled, and exits on its own if
// the message is clearly gone.
func StartVisibilityRenewer(parent context.Context, q queue.Queue, msg *queue.Message, visibility, minimumInterval time.Duration) *VisibilityRenewer {
	ctx, cancel := context.WithCancel(parent)
	r := &VisibilityRenewer{
		q:          q,
		msg:        msg,
		visibility: visibility,
		schedule: linearSpeedup{
			normal:  visibility / 2,
			minimum: minimumInterval,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go r.run(ctx)
	return r
}

// Stop cancels the renewer and waits for it to exit. The renewer never
// outlives the dispatcher call site.
func (r *VisibilityRenewer) Stop() {
	r.cancel()
	<-r.done
}

func (r *VisibilityRenewer) run(ctx context.Context) {
	defer close(r.done)

	interval := r.schedule.normal
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := r.q.ExtendVisibility(ctx, r.msg, r.visibility)
		switch {
		case err == nil:
			metrics.ListenerVisibilityExtensions.WithLabelValues(r.q.Name(), "success").Inc()
			log.Debug().
				Str("queue", r.q.Name()).
				Str("messageId", r.msg.ID).
				Dur("visibility", r.visibility).
				Msg("Extended message visibility")
			interval = r.schedule.next(interval, true)

		case queue.IsCancellation(err) || ctx.Err() != nil:
			return

		case queue.IsMessageGone(err):
			// Deleted, expired, or claimed by another consumer. Nothing
			// left to renew; the dispatcher outcome stands on its own.
			metrics.ListenerVisibilityExtensions.WithLabelValues(r.q.Name(), "failure").Inc()
			log.Warn().
				Err(err).
				Str("queue", r.q.Name()).
				Str("messageId", r.msg.ID).
				Msg("Message gone during visibility renewal, stopping renewer")
			return

		default:
			metrics.ListenerVisibilityExtensions.WithLabelValues(r.q.Name(), "failure").Inc()
			interval = r.schedule.next(interval, false)
			log.Warn().
				Err(err).
				Str("queue", r.q.Name()).
				Str("messageId", r.msg.ID).
				Dur("retryIn", interval).
				Msg("Failed to extend message visibility, retrying on accelerated schedule")
		}

		timer.Reset(interval)
	}
}
