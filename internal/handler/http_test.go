package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.queueflow.tech/internal/queue"
)

func testHTTPConfig(url string) *HTTPConfig {
	cfg := DefaultHTTPConfig()
	cfg.TargetURL = url
	cfg.BaseBackoff = 10 * time.Millisecond
	cfg.CircuitBreakerEnabled = false
	return cfg
}

func TestNewHTTPRequiresTarget(t *testing.T) {
	_, err := NewHTTP(&HTTPConfig{})
	assert.Error(t, err)
}

func TestHTTPDeliverySuccess(t *testing.T) {
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody.Store(r.Header.Get("X-Queue-Message-Id"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h, err := NewHTTP(testHTTPConfig(srv.URL))
	require.NoError(t, err)

	result := h.Execute(context.Background(), &queue.Message{ID: "m1", Body: []byte(`{"k":1}`)})
	assert.True(t, result.Succeeded)
	assert.Equal(t, "m1", gotBody.Load())
}

func TestHTTPDeliveryRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h, err := NewHTTP(testHTTPConfig(srv.URL))
	require.NoError(t, err)

	result := h.Execute(context.Background(), &queue.Message{ID: "m1"})
	assert.True(t, result.Succeeded)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPDeliveryDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	h, err := NewHTTP(testHTTPConfig(srv.URL))
	require.NoError(t, err)

	result := h.Execute(context.Background(), &queue.Message{ID: "m1"})
	assert.False(t, result.Succeeded)
	assert.Error(t, result.Err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPDeliveryExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testHTTPConfig(srv.URL)
	cfg.MaxRetries = 2
	h, err := NewHTTP(cfg)
	require.NoError(t, err)

	result := h.Execute(context.Background(), &queue.Message{ID: "m1"})
	assert.False(t, result.Succeeded)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestHTTPDeliveryHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testHTTPConfig(srv.URL)
	cfg.BaseBackoff = time.Second
	h, err := NewHTTP(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := h.Execute(ctx, &queue.Message{ID: "m1"})
	assert.False(t, result.Succeeded)
}
