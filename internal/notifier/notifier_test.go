package notifier

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_EmitDeliversEventToWebhook(t *testing.T) {
	var mu sync.Mutex
	var received []Event

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(server.URL, time.Second, nil)
	defer n.Stop()
	require.NoError(t, n.Start(""))

	n.Emit(Event{EventType: EventCallAssigned, Timestamp: time.Now(), Body: CallAssignedBody{}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, EventCallAssigned, received[0].EventType)
	mu.Unlock()
}

func TestNotifier_DeadEndpointNeverBlocksEmit(t *testing.T) {
	n := New("http://127.0.0.1:1", 50*time.Millisecond, nil)
	defer n.Stop()
	require.NoError(t, n.Start(""))

	start := time.Now()
	n.Emit(Event{EventType: EventCallAssigned, Timestamp: time.Now()})
	assert.Less(t, time.Since(start), 10*time.Millisecond, "Emit must not block on a dead endpoint")
}

func TestNotifier_QueueDropsOldestWhenFull(t *testing.T) {
	var delivered int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond) // slow consumer
		atomic.AddInt64(&delivered, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(server.URL, time.Second, nil)
	defer n.Stop()
	require.NoError(t, n.Start(""))

	for i := 0; i < defaultQueueDepth+50; i++ {
		n.Emit(Event{EventType: EventCallAssigned, Timestamp: time.Now()})
	}

	assert.LessOrEqual(t, n.QueueDepth(), defaultQueueDepth)
}

func TestNotifier_HealthCheckCronFires(t *testing.T) {
	var mu sync.Mutex
	var count int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		_ = json.NewDecoder(r.Body).Decode(&e)
		if e.EventType == EventHealthCheck {
			mu.Lock()
			count++
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := New(server.URL, time.Second, nil)
	defer n.Stop()
	require.NoError(t, n.Start("@every 20ms"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 2
	}, 2*time.Second, 10*time.Millisecond)
}
