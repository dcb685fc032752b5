package store

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/callgrid/dispatchd/internal/domain"
)

// durableQueueDepth bounds the pending durable-tier write-through
// queue. Once full, the oldest queued write is dropped to make room
// for the newest — a slow or stalled durable tier degrades history,
// it never backs up the dispatch hot path.
const durableQueueDepth = 256

// durableJob is one deferred durable-tier write, closing over a
// snapshot of the entity taken at Save time so it is never touched by
// a caller that goes on to mutate the live struct.
type durableJob func(ctx context.Context) error

// Store composes the fast and durable tiers into the write-through
// contract the dispatch protocol relies on: every write lands in the
// fast tier first (and must succeed, since dispatch reads it back
// immediately) and is then mirrored into the durable tier
// asynchronously, off the hot path, by a single worker goroutine
// draining a bounded, drop-oldest queue. A durable-tier failure is
// logged and never propagates back to the original caller.
type Store struct {
	Fast    *FastStore
	Durable *DurableStore

	mu    sync.Mutex
	queue []durableJob
	wake  chan struct{}
	done  chan struct{}
}

// New wires a fast and durable tier together. Call Start before any
// Save* write, so the durable tier actually drains.
func New(fast *FastStore, durable *DurableStore) *Store {
	return &Store{
		Fast:    fast,
		Durable: durable,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start runs the durable-tier write-through worker.
func (s *Store) Start() {
	go s.drain()
}

// Stop signals the durable-tier write-through worker to exit. It does
// not wait: the worker still runs the writes already queued, then
// exits once the queue is empty. A queued write that reaches a closed
// durable tier fails and is logged.
func (s *Store) Stop() {
	close(s.done)
}

func (s *Store) enqueue(job durableJob) {
	s.mu.Lock()
	if len(s.queue) >= durableQueueDepth {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, job)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) drain() {
	for {
		job, ok := s.pop()
		if !ok {
			select {
			case <-s.done:
				return
			case <-s.wake:
				continue
			}
		}
		if err := job(context.Background()); err != nil {
			log.Printf("store: durable tier write failed: %v", err)
		}
	}
}

func (s *Store) pop() (durableJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	job := s.queue[0]
	s.queue = s.queue[1:]
	return job, true
}

// SaveAgent writes the agent to the fast tier synchronously (the hot
// path reads it back immediately) and queues the durable-tier mirror.
func (s *Store) SaveAgent(ctx context.Context, agent *domain.Agent) error {
	if err := s.Fast.SaveAgent(ctx, agent); err != nil {
		return err
	}
	snapshot := *agent
	s.enqueue(func(ctx context.Context) error { return s.Durable.UpsertAgent(ctx, &snapshot) })
	return nil
}

// SaveCall writes the call to the fast tier synchronously and queues
// the durable-tier mirror.
func (s *Store) SaveCall(ctx context.Context, call *domain.Call) error {
	if err := s.Fast.SaveCall(ctx, call); err != nil {
		return err
	}
	snapshot := *call
	s.enqueue(func(ctx context.Context) error { return s.Durable.UpsertCall(ctx, &snapshot) })
	return nil
}

// SaveAssignment writes the assignment to the fast tier synchronously
// and queues the durable-tier mirror.
func (s *Store) SaveAssignment(ctx context.Context, assignment *domain.Assignment) error {
	if err := s.Fast.SaveAssignment(ctx, assignment); err != nil {
		return err
	}
	snapshot := *assignment
	s.enqueue(func(ctx context.Context) error { return s.Durable.UpsertAssignment(ctx, &snapshot) })
	return nil
}

// LoadAgent reads an agent from the fast tier.
func (s *Store) LoadAgent(ctx context.Context, id string) (*domain.Agent, error) {
	return s.Fast.LoadAgent(ctx, id)
}

// LoadCall reads a call from the fast tier.
func (s *Store) LoadCall(ctx context.Context, id string) (*domain.Call, error) {
	return s.Fast.LoadCall(ctx, id)
}

// LoadAssignment reads an assignment from the fast tier.
func (s *Store) LoadAssignment(ctx context.Context, id string) (*domain.Assignment, error) {
	return s.Fast.LoadAssignment(ctx, id)
}

// LoadAssignmentByCallID reads the assignment currently bound to a call.
func (s *Store) LoadAssignmentByCallID(ctx context.Context, callID string) (*domain.Assignment, error) {
	return s.Fast.LoadAssignmentByCallID(ctx, callID)
}

// AvailableAgents returns up to limit agent ids, longest-idle first.
func (s *Store) AvailableAgents(ctx context.Context, limit int64) ([]string, error) {
	return s.Fast.AvailableAgents(ctx, limit)
}

// AvailableCount returns the number of agents currently available.
func (s *Store) AvailableCount(ctx context.Context) (int64, error) {
	return s.Fast.AvailableCount(ctx)
}

// AcquireLock takes the per-call assignment lock.
func (s *Store) AcquireLock(ctx context.Context, callID, token string, ttl time.Duration) (bool, error) {
	return s.Fast.AcquireLock(ctx, callID, token, ttl)
}

// ReleaseLock releases the per-call assignment lock.
func (s *Store) ReleaseLock(ctx context.Context, callID, token string) error {
	return s.Fast.ReleaseLock(ctx, callID, token)
}

// CleanupTerminalCalls flushes every call that has reached a terminal
// status (COMPLETED, ABANDONED, FAILED) — along with its bound
// assignment — out of both tiers, synchronously: this is an operator
// command, not the dispatch hot path, so there is no reason to defer
// the durable-tier delete. It returns the number of calls removed.
func (s *Store) CleanupTerminalCalls(ctx context.Context) (int, error) {
	ids, err := s.Durable.TerminalCallIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list terminal calls: %w", err)
	}
	for _, id := range ids {
		if err := s.Fast.DeleteCall(ctx, id); err != nil {
			return 0, fmt.Errorf("delete call %s from fast tier: %w", id, err)
		}
		if err := s.Durable.DeleteCall(ctx, id); err != nil {
			return 0, fmt.Errorf("delete call %s from durable tier: %w", id, err)
		}
	}
	return len(ids), nil
}

// CountCallsByStatus reports the durable tier's call counts by status.
func (s *Store) CountCallsByStatus(ctx context.Context) (map[string]int, error) {
	return s.Durable.CountCallsByStatus(ctx)
}

// CountAgentsByStatus reports the durable tier's agent counts by status.
func (s *Store) CountAgentsByStatus(ctx context.Context) (map[string]int, error) {
	return s.Durable.CountAgentsByStatus(ctx)
}

// AssignmentLatencies reports every recorded assignment latency, for
// p95 performance analysis.
func (s *Store) AssignmentLatencies(ctx context.Context) ([]float64, error) {
	return s.Durable.AssignmentLatencies(ctx)
}

// Close stops the write-through worker and closes both tiers.
func (s *Store) Close() error {
	s.Stop()
	fastErr := s.Fast.Close()
	durableErr := s.Durable.Close()
	if fastErr != nil {
		return fastErr
	}
	return durableErr
}
