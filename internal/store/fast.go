// Package store implements the dispatcher's two-tier state store: a
// fast Redis-backed tier that the dispatch protocol reads and writes
// synchronously (the availability index, the assignment lock table,
// and the live agent/call/assignment records), and a durable
// SQLite-backed tier that receives the same writes asynchronously,
// best-effort, for history and reporting.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/callgrid/dispatchd/internal/domain"
)

// ErrNotFound is returned when a keyed lookup misses.
var ErrNotFound = errors.New("store: not found")

// ErrLockHeld is returned when an assignment lock is already held by
// another token.
var ErrLockHeld = errors.New("store: lock held")

const defaultPrefix = "dispatchd:"

// releaseScript deletes a lock key only if its current value still
// matches the caller's token, so a slow caller never releases a lock
// it no longer owns.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// FastStore is the dispatcher's hot-path tier: a Redis client holding
// the availability index (a sorted set scored by idle-since), the
// assignment lock table (TTL'd tokens), and the live agent, call and
// assignment records as JSON-encoded string values.
type FastStore struct {
	client *redis.Client
	prefix string
}

// NewFastStore wraps an existing Redis client. Passing an explicit
// client (rather than dialing inside this constructor) keeps the
// store trivially testable against miniredis.
func NewFastStore(client *redis.Client, prefix string) *FastStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &FastStore{client: client, prefix: prefix}
}

// Dial connects to a live Redis server at a redis:// URL (or a bare
// host:port, for test convenience).
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (s *FastStore) agentKey(id string) string                { return s.prefix + "agent:" + id }
func (s *FastStore) callKey(id string) string                 { return s.prefix + "call:" + id }
func (s *FastStore) assignmentKey(id string) string           { return s.prefix + "assignment:" + id }
func (s *FastStore) assignmentByCallKey(callID string) string { return s.prefix + "assignment_by_call:" + callID }
func (s *FastStore) lockKey(callID string) string              { return s.prefix + "lock:call:" + callID }
func (s *FastStore) availabilityKey() string                   { return s.prefix + "availability" }

// SaveAgent writes the agent record and updates the availability
// index: agents in AgentAvailable status are (re)scored by idle-since
// (never-served agents score 0, the most-idle position); any other
// status is removed from the index.
func (s *FastStore) SaveAgent(ctx context.Context, agent *domain.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.agentKey(agent.ID), data, 0)
	if agent.Status == domain.AgentAvailable {
		pipe.ZAdd(ctx, s.availabilityKey(), redis.Z{
			Score:  idleScore(agent),
			Member: agent.ID,
		})
	} else {
		pipe.ZRem(ctx, s.availabilityKey(), agent.ID)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func idleScore(agent *domain.Agent) float64 {
	if agent.LastCallEndAt == nil {
		return 0
	}
	return float64(agent.LastCallEndAt.UnixNano())
}

// LoadAgent retrieves an agent by id.
func (s *FastStore) LoadAgent(ctx context.Context, id string) (*domain.Agent, error) {
	data, err := s.client.Get(ctx, s.agentKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	var agent domain.Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("unmarshal agent: %w", err)
	}
	return &agent, nil
}

// AvailableAgents returns up to limit agent ids from the availability
// index, ordered longest-idle first (ascending idle-since score).
// limit <= 0 returns every candidate.
func (s *FastStore) AvailableAgents(ctx context.Context, limit int64) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}
	ids, err := s.client.ZRange(ctx, s.availabilityKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange availability: %w", err)
	}
	return ids, nil
}

// AvailableCount returns the number of agents currently in the
// availability index.
func (s *FastStore) AvailableCount(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, s.availabilityKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard availability: %w", err)
	}
	return n, nil
}

// SaveCall writes the call record.
func (s *FastStore) SaveCall(ctx context.Context, call *domain.Call) error {
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshal call: %w", err)
	}
	if err := s.client.Set(ctx, s.callKey(call.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("save call: %w", err)
	}
	return nil
}

// LoadCall retrieves a call by id.
func (s *FastStore) LoadCall(ctx context.Context, id string) (*domain.Call, error) {
	data, err := s.client.Get(ctx, s.callKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get call: %w", err)
	}
	var call domain.Call
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, fmt.Errorf("unmarshal call: %w", err)
	}
	return &call, nil
}

// SaveAssignment writes the assignment record and indexes it by call
// id, so the lifecycle scheduler's fire callback (which only knows the
// call id) can look its assignment back up.
func (s *FastStore) SaveAssignment(ctx context.Context, assignment *domain.Assignment) error {
	data, err := json.Marshal(assignment)
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.assignmentKey(assignment.ID), data, 0)
	pipe.Set(ctx, s.assignmentByCallKey(assignment.CallID), assignment.ID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save assignment: %w", err)
	}
	return nil
}

// LoadAssignment retrieves an assignment by id.
func (s *FastStore) LoadAssignment(ctx context.Context, id string) (*domain.Assignment, error) {
	data, err := s.client.Get(ctx, s.assignmentKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	var assignment domain.Assignment
	if err := json.Unmarshal(data, &assignment); err != nil {
		return nil, fmt.Errorf("unmarshal assignment: %w", err)
	}
	return &assignment, nil
}

// LoadAssignmentByCallID retrieves the assignment currently bound to a
// call.
func (s *FastStore) LoadAssignmentByCallID(ctx context.Context, callID string) (*domain.Assignment, error) {
	id, err := s.client.Get(ctx, s.assignmentByCallKey(callID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get assignment id for call: %w", err)
	}
	return s.LoadAssignment(ctx, id)
}

// DeleteCall removes a call record and its bound assignment (if any)
// from the fast tier, used by the cleanup command to flush terminal
// test calls out of the keyspace.
func (s *FastStore) DeleteCall(ctx context.Context, callID string) error {
	assignmentID, err := s.client.Get(ctx, s.assignmentByCallKey(callID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("get assignment id for call: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.callKey(callID))
	pipe.Del(ctx, s.assignmentByCallKey(callID))
	if assignmentID != "" {
		pipe.Del(ctx, s.assignmentKey(assignmentID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete call: %w", err)
	}
	return nil
}

// AcquireLock attempts to take the per-call assignment lock, returning
// false (not an error) if it is already held.
func (s *FastStore) AcquireLock(ctx context.Context, callID, token string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.lockKey(callID), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

// ReleaseLock releases the per-call lock iff it is still held by
// token, so a caller that outlived its TTL never clobbers a newer
// holder's lock.
func (s *FastStore) ReleaseLock(ctx context.Context, callID, token string) error {
	res, err := releaseScript.Run(ctx, s.client, []string{s.lockKey(callID)}, token).Int64()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if res == 0 {
		return ErrLockHeld
	}
	return nil
}

// Ping verifies the Redis connection is alive.
func (s *FastStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying Redis connection pool.
func (s *FastStore) Close() error {
	return s.client.Close()
}
