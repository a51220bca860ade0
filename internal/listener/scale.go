package listener

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.queueflow.tech/internal/common/metrics"
	"go.queueflow.tech/internal/queue"
)

// DefaultScaleSampleWindow is the number of recent metric samples a scale
// decision considers.
const DefaultScaleSampleWindow = 5

// messagesPerWorker is the per-worker backlog above which the monitor always
// votes to scale out.
const messagesPerWorker = 1000

// ScaleVote is advisory output for an external autoscaler.
type ScaleVote int

const (
	// VoteNone means no change is warranted.
	VoteNone ScaleVote = iota
	// VoteScaleOut asks for more workers.
	VoteScaleOut
	// VoteScaleIn asks for fewer workers.
	VoteScaleIn
)

func (v ScaleVote) String() string {
	switch v {
	case VoteScaleOut:
		return "scale_out"
	case VoteScaleIn:
		return "scale_in"
	}
	return "none"
}

// QueueMetric is one sample of queue pressure.
type QueueMetric struct {
	// Length is the approximate number of messages in the queue.
	Length int64
	// HeadAge is the age of the oldest visible message, zero when empty.
	HeadAge time.Duration
	// SampledAt is when the sample was taken.
	SampledAt time.Time
}

// ScaleMonitor samples queue pressure on demand and buffers the most recent
// window of samples for scale decisions. The sampling cadence belongs to the
// external autoscaler calling GetMetrics.
type ScaleMonitor struct {
	q      queue.Queue
	window int

	mu      sync.Mutex
	samples []QueueMetric
}

// NewScaleMonitor creates a monitor buffering the most recent window samples.
func NewScaleMonitor(q queue.Queue, window int) *ScaleMonitor {
	if window <= 1 {
		window = DefaultScaleSampleWindow
	}
	return &ScaleMonitor{
		q:      q,
		window: window,
	}
}

// GetMetrics fetches a fresh sample and appends it to the window. The
// approximate length from queue attributes is stale when the queue recently
// emptied, so a positive length is cross-checked against a head peek and
// forced to zero when the peek comes back empty. Transient storage errors
// yield a zero sample with a warning; other errors propagate.
func (m *ScaleMonitor) GetMetrics(ctx context.Context) (QueueMetric, error) {
	sample, err := m.sample(ctx)
	if err != nil {
		if !queue.IsTransient(err) {
			return QueueMetric{}, err
		}
		log.Warn().
			Err(err).
			Str("queue", m.q.Name()).
			Msg("Transient storage error while sampling queue metrics")
		sample = QueueMetric{SampledAt: time.Now()}
	}

	metrics.ScaleQueueLength.WithLabelValues(m.q.Name()).Set(float64(sample.Length))
	metrics.ScaleHeadAge.WithLabelValues(m.q.Name()).Set(sample.HeadAge.Seconds())

	m.mu.Lock()
	m.samples = append(m.samples, sample)
	if len(m.samples) > m.window {
		m.samples = m.samples[len(m.samples)-m.window:]
	}
	m.mu.Unlock()

	return sample, nil
}

func (m *ScaleMonitor) sample(ctx context.Context) (QueueMetric, error) {
	attrs, err := m.q.GetAttributes(ctx)
	if err != nil {
		return QueueMetric{}, err
	}

	sample := QueueMetric{
		Length:    attrs.ApproximateMessageCount,
		SampledAt: time.Now(),
	}
	if sample.Length <= 0 {
		sample.Length = 0
		return sample, nil
	}

	head, err := m.q.Peek(ctx)
	if err != nil {
		return QueueMetric{}, err
	}
	if head == nil {
		// Attributes are stale when the queue is empty.
		sample.Length = 0
		return sample, nil
	}

	sample.HeadAge = head.Age(sample.SampledAt)
	return sample, nil
}

// Samples returns a copy of the buffered window, oldest first.
func (m *ScaleMonitor) Samples() []QueueMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]QueueMetric, len(m.samples))
	copy(out, m.samples)
	return out
}

// GetScaleVote computes the vote over the buffered window for the given
// worker count, recording the outcome.
func (m *ScaleMonitor) GetScaleVote(workerCount int) ScaleVote {
	vote := DecideScaleVote(workerCount, m.Samples())
	metrics.ScaleVotes.WithLabelValues(m.q.Name(), vote.String()).Inc()
	if vote != VoteNone {
		log.Info().
			Str("queue", m.q.Name()).
			Str("vote", vote.String()).
			Int("workerCount", workerCount).
			Msg("Scale vote")
	}
	return vote
}

// DecideScaleVote is the scale decision: a pure function of the worker count
// and the sample window, oldest sample first. Fewer samples than the window
// requires means no vote.
func DecideScaleVote(workerCount int, samples []QueueMetric) ScaleVote {
	if len(samples) < DefaultScaleSampleWindow {
		return VoteNone
	}
	samples = samples[len(samples)-DefaultScaleSampleWindow:]

	first := samples[0]
	latest := samples[len(samples)-1]

	if latest.Length > int64(workerCount)*messagesPerWorker {
		return VoteScaleOut
	}

	allEmpty := true
	for _, s := range samples {
		if s.Length != 0 {
			allEmpty = false
			break
		}
	}
	if allEmpty {
		return VoteScaleIn
	}

	if first.Length > 0 && isTrendUp(samples, lengthOf, true) {
		return VoteScaleOut
	}
	if first.HeadAge > 0 && first.HeadAge < latest.HeadAge && isTrendUp(samples, ageOf, false) {
		return VoteScaleOut
	}
	if isTrendDown(samples, lengthOf) {
		return VoteScaleIn
	}
	if isTrendDown(samples, ageOf) {
		return VoteScaleIn
	}
	return VoteNone
}

func lengthOf(s QueueMetric) int64 { return s.Length }
func ageOf(s QueueMetric) int64    { return int64(s.HeadAge) }

// isTrendUp reports whether the value rises across every adjacent pair;
// strict requires a strict increase, otherwise non-decreasing suffices.
// Meaningless on windows shorter than two samples.
func isTrendUp(samples []QueueMetric, value func(QueueMetric) int64, strict bool) bool {
	if len(samples) < 2 {
		return false
	}
	for i := 1; i < len(samples); i++ {
		prev, cur := value(samples[i-1]), value(samples[i])
		if strict && cur <= prev {
			return false
		}
		if !strict && cur < prev {
			return false
		}
	}
	return true
}

func isTrendDown(samples []QueueMetric, value func(QueueMetric) int64) bool {
	if len(samples) < 2 {
		return false
	}
	for i := 1; i < len(samples); i++ {
		if value(samples[i]) >= value(samples[i-1]) {
			return false
		}
	}
	return true
}
