package listener

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Notifier wakes a listener out of its backoff delay.
type Notifier interface {
	Notify()
}

// SharedQueueWatcher fans queue-written notifications out to the listeners
// registered for that queue. Registrations key off account and queue name,
// never client identity: queue client handles are not comparable, two
// handles to the same queue must land on the same entry.
type SharedQueueWatcher struct {
	mu        sync.RWMutex
	listeners map[string][]Notifier
}

// NewSharedQueueWatcher creates an empty watcher.
func NewSharedQueueWatcher() *SharedQueueWatcher {
	return &SharedQueueWatcher{
		listeners: make(map[string][]Notifier),
	}
}

func watcherKey(accountName, queueName string) string {
	return strings.ToLower(fmt.Sprintf("%s/%s", accountName, queueName))
}

// Register adds a notifier for the given queue.
func (w *SharedQueueWatcher) Register(accountName, queueName string, n Notifier) {
	key := watcherKey(accountName, queueName)
	w.mu.Lock()
	w.listeners[key] = append(w.listeners[key], n)
	w.mu.Unlock()

	log.Debug().Str("queue", key).Msg("Listener registered with shared queue watcher")
}

// Notify wakes every listener registered for the given queue. Queues with no
// registered listener are ignored.
func (w *SharedQueueWatcher) Notify(accountName, queueName string) {
	key := watcherKey(accountName, queueName)
	w.mu.RLock()
	notifiers := w.listeners[key]
	w.mu.RUnlock()

	for _, n := range notifiers {
		n.Notify()
	}
}
