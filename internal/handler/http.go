// Package handler provides the HTTP delivery handler wired by cmd/listener
package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"go.queueflow.tech/internal/common/metrics"
	"go.queueflow.tech/internal/listener"
	"go.queueflow.tech/internal/queue"
)

// HTTPConfig configures the HTTP delivery handler.
type HTTPConfig struct {
	// TargetURL receives each message body as a POST.
	TargetURL string

	// ContentType of the POST body.
	ContentType string

	// Timeout for a single delivery attempt.
	Timeout time.Duration

	// MaxRetries for transient delivery errors within one invocation.
	MaxRetries int

	// BaseBackoff between attempts, multiplied by the attempt number.
	BaseBackoff time.Duration

	// CircuitBreaker settings
	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32
	CircuitBreakerInterval    time.Duration
	CircuitBreakerRatio       float64
	CircuitBreakerTimeout     time.Duration
	CircuitBreakerMinRequests uint32
}

// DefaultHTTPConfig returns sensible defaults.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		ContentType:               "application/json",
		Timeout:                   30 * time.Second,
		MaxRetries:                3,
		BaseBackoff:               time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// HTTP delivers queue messages to a webhook target, with retries and a
// circuit breaker in front of the endpoint.
type HTTP struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker
	targetURL   string
	contentType string
	maxRetries  int
	baseBackoff time.Duration
}

// NewHTTP creates the delivery handler.
func NewHTTP(cfg *HTTPConfig) (*HTTP, error) {
	if cfg == nil {
		cfg = DefaultHTTPConfig()
	}
	if cfg.TargetURL == "" {
		return nil, errors.New("http handler requires a target URL")
	}

	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	h := &HTTP{
		client:      client,
		targetURL:   cfg.TargetURL,
		contentType: cfg.ContentType,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
	}

	if cfg.CircuitBreakerEnabled {
		h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "http-handler",
			MaxRequests: cfg.CircuitBreakerRequests,
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.CircuitBreakerMinRequests {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= cfg.CircuitBreakerRatio
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.Info().
					Str("name", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit breaker state changed")

				var stateValue float64
				switch to {
				case gobreaker.StateClosed:
					stateValue = float64(metrics.CircuitBreakerClosed)
				case gobreaker.StateOpen:
					stateValue = float64(metrics.CircuitBreakerOpen)
				case gobreaker.StateHalfOpen:
					stateValue = float64(metrics.CircuitBreakerHalfOpen)
				}
				metrics.HandlerCircuitBreakerState.Set(stateValue)
			},
		})
	}

	return h, nil
}

// Execute delivers the message body to the target. A rejected delivery (open
// breaker) or exhausted retries comes back as a failed result so the
// listener's retry/poison policy takes over.
func (h *HTTP) Execute(ctx context.Context, msg *queue.Message) listener.FunctionResult {
	start := time.Now()
	defer func() {
		metrics.HandlerDeliveryDuration.Observe(time.Since(start).Seconds())
	}()

	var err error
	if h.breaker != nil {
		_, err = h.breaker.Execute(func() (interface{}, error) {
			return nil, h.deliverWithRetry(ctx, msg)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.HandlerDeliveries.WithLabelValues("rejected").Inc()
			log.Warn().
				Str("messageId", msg.ID).
				Msg("Delivery rejected by open circuit breaker")
			return listener.FunctionResult{Err: err}
		}
	} else {
		err = h.deliverWithRetry(ctx, msg)
	}

	if err != nil {
		metrics.HandlerDeliveries.WithLabelValues("failure").Inc()
		return listener.FunctionResult{Err: err}
	}
	metrics.HandlerDeliveries.WithLabelValues("success").Inc()
	return listener.FunctionResult{Succeeded: true}
}

func (h *HTTP) deliverWithRetry(ctx context.Context, msg *queue.Message) error {
	var lastErr error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * h.baseBackoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = h.deliverOnce(ctx, msg)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetryable(lastErr) {
			return lastErr
		}

		log.Debug().
			Err(lastErr).
			Str("messageId", msg.ID).
			Int("attempt", attempt+1).
			Msg("Delivery attempt failed")
	}
	return fmt.Errorf("delivery failed after %d attempts: %w", h.maxRetries+1, lastErr)
}

func (h *HTTP) deliverOnce(ctx context.Context, msg *queue.Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.targetURL, bytes.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("failed to build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", h.contentType)
	req.Header.Set("X-Queue-Message-Id", msg.ID)
	req.Header.Set("X-Queue-Dequeue-Count", fmt.Sprintf("%d", msg.DequeueCount))

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &statusError{code: resp.StatusCode}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("target returned status %d", e.code)
}

// isRetryable treats network errors, 429 and 5xx as retryable; other HTTP
// statuses are permanent for this invocation.
func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}
