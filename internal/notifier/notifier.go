// Package notifier emits the dispatcher's lifecycle events to a
// configured webhook, fire-and-forget: a queued delivery can fail or
// time out without ever blocking or rolling back the caller that
// raised it.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/callgrid/dispatchd/pkg/observability"
)

// defaultQueueDepth bounds the outbound queue. Once full, the oldest
// queued event is dropped to make room for the newest — a slow or dead
// webhook degrades delivery, it never backs up the dispatcher.
const defaultQueueDepth = 256

// Notifier posts events to a webhook URL from a bounded, drop-oldest
// queue drained by a single worker goroutine.
type Notifier struct {
	url     string
	client  *http.Client
	metrics *observability.Registry

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	done  chan struct{}
	cron  *cron.Cron
}

// New builds a notifier posting to url with the given per-request
// timeout.
func New(url string, timeout time.Duration, metrics *observability.Registry) *Notifier {
	return &Notifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start runs the delivery worker and, if healthCheckSpec is non-empty,
// a robfig/cron schedule that enqueues a periodic HEALTH_CHECK event.
func (n *Notifier) Start(healthCheckSpec string) error {
	go n.drain()

	if healthCheckSpec == "" {
		return nil
	}

	n.cron = cron.New()
	_, err := n.cron.AddFunc(healthCheckSpec, func() {
		n.Emit(Event{
			EventType: EventHealthCheck,
			Timestamp: time.Now(),
			Body:      HealthCheckBody{Status: "ok"},
		})
	})
	if err != nil {
		return fmt.Errorf("schedule health check: %w", err)
	}
	n.cron.Start()
	return nil
}

// Stop halts the delivery worker and the health-check schedule.
func (n *Notifier) Stop() {
	if n.cron != nil {
		ctx := n.cron.Stop()
		<-ctx.Done()
	}
	close(n.done)
}

// Emit enqueues an event for delivery. It never blocks: if the queue
// is full, the oldest queued event is dropped.
func (n *Notifier) Emit(e Event) {
	n.mu.Lock()
	if len(n.queue) >= defaultQueueDepth {
		n.queue = n.queue[1:]
		if n.metrics != nil {
			n.metrics.Inc("notifier_events_dropped", 1)
		}
	}
	n.queue = append(n.queue, e)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Notifier) drain() {
	for {
		e, ok := n.pop()
		if !ok {
			select {
			case <-n.done:
				return
			case <-n.wake:
				continue
			}
		}
		n.deliver(e)
	}
}

func (n *Notifier) pop() (Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) == 0 {
		return Event{}, false
	}
	e := n.queue[0]
	n.queue = n.queue[1:]
	return e, true
}

func (n *Notifier) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
	defer cancel()

	body, err := json.Marshal(e)
	if err != nil {
		log.Printf("notifier: marshal event failed: event_type=%s error=%v", e.EventType, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		log.Printf("notifier: build request failed: event_type=%s error=%v", e.EventType, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("notifier: delivery failed: event_type=%s error=%v", e.EventType, err)
		if n.metrics != nil {
			n.metrics.Inc("notifier_delivery_failures", 1)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Printf("notifier: webhook rejected event: event_type=%s status=%d", e.EventType, resp.StatusCode)
		if n.metrics != nil {
			n.metrics.Inc("notifier_delivery_failures", 1)
		}
		return
	}

	if n.metrics != nil {
		n.metrics.Inc("notifier_events_delivered", 1)
	}
}

// QueueDepth reports how many events are currently queued for delivery.
func (n *Notifier) QueueDepth() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}
