// QueueFlow Listener
//
// Standalone queue-trigger listener binary. Consumes messages from an Azure
// Storage Queue, delivers them via HTTP, routes exhausted messages to the
// poison queue, and serves scale status for an external autoscaler.

package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.queueflow.tech/internal/common/health"
	"go.queueflow.tech/internal/common/lifecycle"
	"go.queueflow.tech/internal/config"
	"go.queueflow.tech/internal/handler"
	"go.queueflow.tech/internal/listener"
	"go.queueflow.tech/internal/queue"
	azurequeue "go.queueflow.tech/internal/queue/azure"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.Load(os.Getenv("QUEUEFLOW_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("version", version).
		Str("buildTime", buildTime).
		Str("component", "listener").
		Msg("Starting QueueFlow listener")

	mainQueue, err := azurequeue.NewQueue(cfg.Queue.ConnectionString, cfg.Queue.QueueName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create queue client")
	}

	poisonQueueName := cfg.Queue.PoisonQueueName
	if poisonQueueName == "" {
		poisonQueueName = cfg.Queue.QueueName + "-poison"
	}
	poisonQueue, err := azurequeue.NewQueue(cfg.Queue.ConnectionString, poisonQueueName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create poison queue client")
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := poisonQueue.Create(startupCtx); err != nil {
		log.Warn().Err(err).Str("queue", poisonQueue.Name()).Msg("Failed to ensure poison queue exists")
	}
	cancelStartup()

	httpHandler, err := handler.NewHTTP(&handler.HTTPConfig{
		TargetURL:                 cfg.Target.URL,
		ContentType:               cfg.Target.ContentType,
		Timeout:                   cfg.Target.Timeout.Std(),
		MaxRetries:                cfg.Target.MaxRetries,
		BaseBackoff:               time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create HTTP delivery handler")
	}

	watcher := listener.NewSharedQueueWatcher()

	processor := listener.NewQueueProcessor(mainQueue, poisonQueue, cfg.Listener.MaxDequeueCount)
	// Wake any listener on the poison queue as soon as a message lands there.
	processor.OnPoisonMessage(func(_ *queue.Message) {
		watcher.Notify(poisonQueue.AccountName(), poisonQueue.Name())
	})

	lst, err := listener.New(mainQueue, &listener.Config{
		FunctionID:                       cfg.Listener.FunctionID,
		BatchSize:                        cfg.Listener.BatchSize,
		NewBatchThreshold:                cfg.Listener.NewBatchThreshold,
		MaxPollingInterval:               cfg.Listener.MaxPollingInterval.Std(),
		VisibilityTimeout:                cfg.Listener.VisibilityTimeout.Std(),
		MinimumVisibilityRenewalInterval: cfg.Listener.MinimumVisibilityRenewalInterval.Std(),
	}, httpHandler, processor, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create queue listener")
	}

	watcher.Register(mainQueue.AccountName(), mainQueue.Name(), lst)

	if err := lst.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start queue listener")
	}
	log.Info().Str("listener", lst.Descriptor()).Msg("Queue listener started")

	// Ops HTTP server
	checker := health.NewChecker()
	checker.AddReadinessCheck("queue", health.QueueCheck(mainQueue))

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", checker.LiveHandler())
	router.Get("/readyz", checker.ReadyHandler())
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/scale-status", scaleStatusHandler(lst))

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("Ops HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Ops HTTP server failed")
		}
	}()

	manager := lifecycle.NewManager()
	manager.RegisterHTTPShutdown("ops-http", server.Shutdown)
	manager.RegisterListenerShutdown(lst.Descriptor(), func(ctx context.Context) error {
		defer lst.Dispose()
		return lst.Stop(ctx)
	})

	if err := manager.Run(); err != nil {
		log.Error().Err(err).Msg("Shutdown did not complete cleanly")
		os.Exit(1)
	}
}

// scaleStatusHandler samples the queue and answers the current scale vote.
func scaleStatusHandler(lst *listener.Listener) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workers := 1
		if v := r.URL.Query().Get("workers"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed <= 0 {
				http.Error(w, "workers must be a positive integer", http.StatusBadRequest)
				return
			}
			workers = parsed
		}

		monitor := lst.Monitor()
		if _, err := monitor.GetMetrics(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		vote := monitor.GetScaleVote(workers)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"vote":"` + vote.String() + `"}`))
	}
}
