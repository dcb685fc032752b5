// Package dispatch implements the dispatch protocol: binding one
// arriving call to exactly one available agent under a per-call lock,
// arming its deferred completion, and reporting the outcome within the
// assignment latency budget.
package dispatch

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/callgrid/dispatchd/internal/domain"
	"github.com/callgrid/dispatchd/internal/notifier"
	"github.com/callgrid/dispatchd/internal/qualification"
	"github.com/callgrid/dispatchd/internal/scheduler"
	"github.com/callgrid/dispatchd/internal/store"
	"github.com/callgrid/dispatchd/pkg/config"
	"github.com/callgrid/dispatchd/pkg/observability"
)

// maxCandidates bounds how many stale availability-index entries a
// single dispatch will skip past before collapsing to saturation, so
// the tail latency stays predictable under a churning index.
const maxCandidates = 10

const lockTTL = 5 * time.Second

// ResultStatus names the outcome of one AssignCall attempt.
type ResultStatus string

const (
	ResultAssigned     ResultStatus = "ASSIGNED"
	ResultRaceDetected ResultStatus = "RACE_DETECTED"
	ResultSaturated    ResultStatus = "SATURATED"
	ResultStoreFailure ResultStatus = "STORE_FAILURE"
)

// AssignmentResult is the typed outcome returned to the caller:
// failures are values, never errors that cross the dispatcher's
// boundary (spec §7, propagation policy).
type AssignmentResult struct {
	Status     ResultStatus
	Assignment *domain.Assignment
	Agent      *domain.Agent
	LatencyMs  float64
	Message    string
}

// Dispatcher runs the dispatch protocol and the lifecycle scheduler's
// fire callback.
type Dispatcher struct {
	store   *store.Store
	sched   *scheduler.Scheduler
	notify  *notifier.Notifier
	sampler *qualification.Sampler
	metrics *observability.Registry
	cfg     *config.Config
}

// New wires a dispatcher. The scheduler's fire callback is bound to
// complete, so callers must not also construct their own scheduler.
func New(st *store.Store, notify *notifier.Notifier, sampler *qualification.Sampler, metrics *observability.Registry, cfg *config.Config) *Dispatcher {
	d := &Dispatcher{
		store:   st,
		notify:  notify,
		sampler: sampler,
		metrics: metrics,
		cfg:     cfg,
	}
	d.sched = scheduler.New(d.complete)
	return d
}

// Start runs the lifecycle scheduler's worker loop.
func (d *Dispatcher) Start() { d.sched.Start() }

// Stop halts the lifecycle scheduler.
func (d *Dispatcher) Stop() { d.sched.Stop() }

// AssignCall runs the full dispatch protocol (spec §4.3) for a call
// already created in PENDING status.
func (d *Dispatcher) AssignCall(ctx context.Context, call *domain.Call) AssignmentResult {
	start := time.Now()
	latency := func() float64 { return float64(time.Since(start).Microseconds()) / 1000.0 }

	if err := d.store.SaveCall(ctx, call); err != nil {
		d.metrics.Inc("assignment_errors", 1)
		return AssignmentResult{Status: ResultStoreFailure, LatencyMs: latency(), Message: err.Error()}
	}

	token := uuid.NewString()
	ok, err := d.store.AcquireLock(ctx, call.ID, token, lockTTL)
	if err != nil {
		d.metrics.Inc("assignment_errors", 1)
		return AssignmentResult{Status: ResultStoreFailure, LatencyMs: latency(), Message: err.Error()}
	}
	if !ok {
		return AssignmentResult{Status: ResultRaceDetected, LatencyMs: latency(), Message: "race detected — call already being processed"}
	}
	defer func() {
		if err := d.store.ReleaseLock(ctx, call.ID, token); err != nil {
			log.Printf("dispatch: lock release failed: call_id=%s error=%v", call.ID, err)
		}
	}()

	agent, err := d.selectCandidate(ctx)
	if err != nil {
		d.metrics.Inc("assignment_errors", 1)
		return AssignmentResult{Status: ResultStoreFailure, LatencyMs: latency(), Message: err.Error()}
	}
	if agent == nil {
		return d.saturate(ctx, call, latency())
	}

	now := time.Now()
	if err := call.AssignToAgent(agent.ID, now); err != nil {
		d.metrics.Inc("assignment_errors", 1)
		return AssignmentResult{Status: ResultStoreFailure, LatencyMs: latency(), Message: err.Error()}
	}
	if err := agent.AssignCall(call.ID, now); err != nil {
		d.metrics.Inc("assignment_errors", 1)
		return AssignmentResult{Status: ResultStoreFailure, LatencyMs: latency(), Message: err.Error()}
	}

	assignment := domain.NewAssignment(call.ID, agent.ID)
	expectedDuration := d.sampler.Duration(d.cfg.CallDurationMean, d.cfg.CallDurationStd)
	measuredLatency := latency()
	if err := assignment.Activate(measuredLatency, expectedDuration, now); err != nil {
		d.metrics.Inc("assignment_errors", 1)
		return AssignmentResult{Status: ResultStoreFailure, LatencyMs: measuredLatency, Message: err.Error()}
	}

	if err := d.persistBind(ctx, call, agent, assignment); err != nil {
		d.metrics.Inc("assignment_errors", 1)
		return AssignmentResult{Status: ResultStoreFailure, LatencyMs: measuredLatency, Message: err.Error()}
	}

	d.sched.Schedule(call.ID, time.Duration(expectedDuration*float64(time.Second)))

	d.metrics.Inc("calls_assigned", 1)
	d.metrics.Set("last_assignment_time_ms", measuredLatency)
	d.notify.Emit(notifier.Event{
		EventType: notifier.EventCallAssigned,
		Timestamp: now,
		Body: notifier.CallAssignedBody{
			Assignment: notifier.AssignmentInfo{
				ID:                      assignment.ID,
				CallID:                  call.ID,
				AgentID:                 agent.ID,
				AssignmentTimeMs:        assignment.AssignmentTimeMs,
				ExpectedDurationSeconds: assignment.ExpectedDurationSeconds,
			},
			Call: notifier.CallInfo{
				ID:          call.ID,
				PhoneNumber: call.PhoneNumber,
				CallType:    call.Type,
				CreatedAt:   call.CreatedAt,
				AssignedAt:  call.AssignedAt,
			},
			Agent: notifier.AgentInfo{
				ID:        agent.ID,
				Name:      agent.Name,
				AgentType: agent.Type,
				Status:    string(agent.Status),
			},
		},
	})

	return AssignmentResult{
		Status:     ResultAssigned,
		Assignment: assignment,
		Agent:      agent,
		LatencyMs:  measuredLatency,
		Message:    "assigned",
	}
}

// selectCandidate enumerates the availability index and returns the
// first candidate whose authoritative state is still AVAILABLE,
// re-validating under the lock per spec §4.3 step 4. Returns a nil
// agent (not an error) when the bounded candidate list is exhausted.
func (d *Dispatcher) selectCandidate(ctx context.Context) (*domain.Agent, error) {
	ids, err := d.store.AvailableAgents(ctx, maxCandidates)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		agent, err := d.store.LoadAgent(ctx, id)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return nil, err
		}
		if agent.IsAvailable() {
			return agent, nil
		}
	}
	return nil, nil
}

func (d *Dispatcher) saturate(ctx context.Context, call *domain.Call, measuredLatency float64) AssignmentResult {
	now := time.Now()
	call.Fail(now)
	if err := d.store.SaveCall(ctx, call); err != nil {
		log.Printf("dispatch: saturation save failed: call_id=%s error=%v", call.ID, err)
	}

	d.metrics.Inc("calls_saturated", 1)
	d.notify.Emit(notifier.Event{
		EventType: notifier.EventSystemSaturated,
		Timestamp: now,
		Body: notifier.SystemSaturatedBody{
			Call: notifier.CallInfo{
				ID:          call.ID,
				PhoneNumber: call.PhoneNumber,
				CallType:    call.Type,
				CreatedAt:   call.CreatedAt,
			},
			AssignmentAttempt: notifier.AssignmentAttempt{
				AssignmentTimeMs: measuredLatency,
				Status:           "NO_AGENTS_AVAILABLE",
			},
		},
	})

	return AssignmentResult{
		Status:    ResultSaturated,
		LatencyMs: measuredLatency,
		Message:   "no agents available",
	}
}

func (d *Dispatcher) persistBind(ctx context.Context, call *domain.Call, agent *domain.Agent, assignment *domain.Assignment) error {
	if err := d.store.SaveCall(ctx, call); err != nil {
		return err
	}
	if err := d.store.SaveAgent(ctx, agent); err != nil {
		return err
	}
	return d.store.SaveAssignment(ctx, assignment)
}

// AbandonCall terminates an in-flight call before its natural
// completion (spec §4.4 cancellation semantics): the pending release
// timer is cancelled, the agent returns to AVAILABLE immediately with
// no qualification drawn, and no CALL_COMPLETED event is emitted.
func (d *Dispatcher) AbandonCall(ctx context.Context, callID string) error {
	d.sched.Cancel(callID)

	call, err := d.store.LoadCall(ctx, callID)
	if err != nil {
		return err
	}
	now := time.Now()
	call.Abandon(now)
	if err := d.store.SaveCall(ctx, call); err != nil {
		return err
	}

	if call.AssignedAgentID != "" {
		agent, err := d.store.LoadAgent(ctx, call.AssignedAgentID)
		if err == nil && agent.Status == domain.AgentBusy {
			if cerr := agent.CompleteCall(now); cerr == nil {
				if serr := d.store.SaveAgent(ctx, agent); serr != nil {
					log.Printf("dispatch: abandon agent release failed: agent_id=%s error=%v", agent.ID, serr)
				}
			}
		}
	}

	if assignment, err := d.store.LoadAssignmentByCallID(ctx, callID); err == nil {
		assignment.Fail(now)
		if serr := d.store.SaveAssignment(ctx, assignment); serr != nil {
			log.Printf("dispatch: abandon assignment save failed: assignment_id=%s error=%v", assignment.ID, serr)
		}
	}

	d.metrics.Inc("calls_abandoned", 1)
	return nil
}

// complete is the lifecycle scheduler's fire callback (spec §4.4): it
// draws a qualification, settles the call and agent, re-inserts the
// agent into the availability index, and emits the completion event.
func (d *Dispatcher) complete(callID string) {
	ctx := context.Background()

	call, err := d.store.LoadCall(ctx, callID)
	if err != nil {
		d.metrics.Inc("completion_errors", 1)
		log.Printf("dispatch: completion failed, call missing: call_id=%s error=%v", callID, err)
		return
	}
	if call.AssignedAgentID == "" {
		d.metrics.Inc("completion_errors", 1)
		log.Printf("dispatch: completion failed, call has no assigned agent: call_id=%s", callID)
		return
	}
	agent, err := d.store.LoadAgent(ctx, call.AssignedAgentID)
	if err != nil {
		d.metrics.Inc("completion_errors", 1)
		log.Printf("dispatch: completion failed, agent missing: agent_id=%s error=%v", call.AssignedAgentID, err)
		return
	}

	qual := d.sampler.Qualify(d.cfg.ConversionMatrix, agent.Type, call.Type)

	now := time.Now()
	actualDuration := now.Sub(*call.AssignedAt).Seconds()
	if err := call.Complete(actualDuration, qual, now); err != nil {
		d.metrics.Inc("completion_errors", 1)
		log.Printf("dispatch: call completion transition failed: call_id=%s error=%v", callID, err)
		return
	}
	if err := agent.CompleteCall(now); err != nil {
		d.metrics.Inc("completion_errors", 1)
		log.Printf("dispatch: agent release transition failed: agent_id=%s error=%v", agent.ID, err)
		return
	}

	if err := d.store.SaveCall(ctx, call); err != nil {
		log.Printf("dispatch: completion save failed: call_id=%s error=%v", callID, err)
	}
	if err := d.store.SaveAgent(ctx, agent); err != nil {
		log.Printf("dispatch: completion agent save failed: agent_id=%s error=%v", agent.ID, err)
	}
	if assignment, err := d.store.LoadAssignmentByCallID(ctx, callID); err == nil {
		if cerr := assignment.Complete(actualDuration, now); cerr == nil {
			if serr := d.store.SaveAssignment(ctx, assignment); serr != nil {
				log.Printf("dispatch: completion assignment save failed: assignment_id=%s error=%v", assignment.ID, serr)
			}
		}
	} else {
		log.Printf("dispatch: completion assignment lookup failed: call_id=%s error=%v", callID, err)
	}

	d.metrics.Inc("calls_completed", 1)
	if qual == domain.QualificationOK {
		d.metrics.Inc("calls_ok", 1)
	} else {
		d.metrics.Inc("calls_ko", 1)
	}
	d.metrics.Set("last_call_duration", actualDuration)

	d.notify.Emit(notifier.Event{
		EventType: notifier.EventCallCompleted,
		Timestamp: now,
		Body: notifier.CallCompletedBody{
			Call: notifier.CallInfo{
				ID:                  call.ID,
				PhoneNumber:         call.PhoneNumber,
				CallType:            call.Type,
				Status:              string(call.Status),
				QualificationResult: string(call.Qualification),
				DurationSeconds:     call.DurationSeconds,
				CreatedAt:           call.CreatedAt,
				AssignedAt:          call.AssignedAt,
				CompletedAt:         call.CompletedAt,
			},
			Agent: notifier.AgentInfo{
				ID:        agent.ID,
				Name:      agent.Name,
				AgentType: agent.Type,
				Status:    string(agent.Status),
			},
		},
	})
}

// SystemStatus is the GetSystemStatus snapshot: live agent counts by
// status, the number of assignments currently in flight, the metrics
// registry snapshot, and an assignment-latency p95 check against the
// configured SLO.
type SystemStatus struct {
	AgentsByStatus         map[string]int
	ActiveAssignments      int64
	Metrics                map[string]float64
	AssignmentLatencyP95Ms float64
	PerformanceTargetMet   bool
}

// GetSystemStatus reports the dispatcher's current operating state
// (spec §9 supplemented feature): agent availability, in-flight
// assignment count, the metrics snapshot, and whether the p95
// assignment latency is within the configured SLO.
func (d *Dispatcher) GetSystemStatus(ctx context.Context) (SystemStatus, error) {
	agentsByStatus, err := d.store.CountAgentsByStatus(ctx)
	if err != nil {
		return SystemStatus{}, err
	}

	latencies, err := d.store.AssignmentLatencies(ctx)
	if err != nil {
		return SystemStatus{}, err
	}
	p95 := percentile(latencies, 0.95)

	return SystemStatus{
		AgentsByStatus:         agentsByStatus,
		ActiveAssignments:      int64(agentsByStatus[string(domain.AgentBusy)]),
		Metrics:                d.metrics.Snapshot(),
		AssignmentLatencyP95Ms: p95,
		PerformanceTargetMet:   p95 <= d.cfg.MaxAssignmentTimeMs,
	}, nil
}

// percentile returns the p-th percentile (0 < p <= 1) of a set of
// samples: the sorted sample at index floor(p*(n-1)), with no
// interpolation. An empty sample set reports 0, treated as "target
// met" by the caller.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
