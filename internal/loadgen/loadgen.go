// Package loadgen drives synthetic traffic against a Dispatcher: it
// manufactures agent and call populations, paces call arrivals at a
// configured rate, churns agent availability in the background, and
// reports aggregate throughput and latency statistics.
package loadgen

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/callgrid/dispatchd/internal/dispatch"
	"github.com/callgrid/dispatchd/internal/domain"
	"github.com/callgrid/dispatchd/pkg/config"
)

// MakeAgents builds n agents, distributed evenly across cfg's agent
// types and created AVAILABLE.
func MakeAgents(cfg *config.Config, n int) []*domain.Agent {
	agents := make([]*domain.Agent, n)
	for i := 0; i < n; i++ {
		agentType := cfg.AgentTypes[i%len(cfg.AgentTypes)]
		agents[i] = domain.NewAgent(fmt.Sprintf("agent-%d", i), agentType, domain.AgentAvailable)
	}
	return agents
}

// MakeCalls builds n calls, distributed evenly across cfg's call types
// and shuffled so a fixed-rate arrival driver doesn't see runs of the
// same type.
func MakeCalls(cfg *config.Config, n int, seed int64) []*domain.Call {
	calls := make([]*domain.Call, n)
	for i := 0; i < n; i++ {
		callType := cfg.CallTypes[i%len(cfg.CallTypes)]
		calls[i] = domain.NewCall(fmt.Sprintf("+1%09d", i), callType)
	}
	rand.New(rand.NewSource(seed)).Shuffle(n, func(i, j int) {
		calls[i], calls[j] = calls[j], calls[i]
	})
	return calls
}

// Report summarizes one DriveArrivals run.
type Report struct {
	Total        int
	Assigned     int
	Saturated    int
	Failed       int
	RaceDetected int
	WallDuration time.Duration
	LatenciesMs  []float64
	P50Ms        float64
	P95Ms        float64
	MaxMs        float64
}

// DriveArrivals submits calls to the dispatcher at callsPerSecond,
// bounded to at most maxConcurrent in-flight AssignCall calls at a
// time, and returns aggregate throughput and latency statistics.
func DriveArrivals(ctx context.Context, d *dispatch.Dispatcher, calls []*domain.Call, callsPerSecond float64, maxConcurrent int) Report {
	start := time.Now()

	limiter := rate.NewLimiter(rate.Limit(callsPerSecond), 1)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	var mu sync.Mutex
	var latencies []float64
	var assigned, saturated, failed, race int

	for _, call := range calls {
		call := call
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			result := d.AssignCall(gctx, call)

			mu.Lock()
			switch result.Status {
			case dispatch.ResultAssigned:
				assigned++
				latencies = append(latencies, result.LatencyMs)
			case dispatch.ResultSaturated:
				saturated++
			case dispatch.ResultRaceDetected:
				race++
			default:
				failed++
				log.Printf("loadgen: assignment failed: call_id=%s message=%s", call.ID, result.Message)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sorted := append([]float64(nil), latencies...)
	sort.Float64s(sorted)

	return Report{
		Total:        len(calls),
		Assigned:     assigned,
		Saturated:    saturated,
		Failed:       failed,
		RaceDetected: race,
		WallDuration: time.Since(start),
		LatenciesMs:  latencies,
		P50Ms:        percentileOf(sorted, 0.50),
		P95Ms:        percentileOf(sorted, 0.95),
		MaxMs:        percentileOf(sorted, 1.0),
	}
}

func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// ChurnAgents runs in the background, rolling a status transition for
// each agent on a random 5-15s interval per agent: AVAILABLE pauses
// with p=0.1, PAUSED returns to AVAILABLE with p=0.7, and OFFLINE
// returns to AVAILABLE with p=loginProb. Busy agents are never touched
// — churn only affects agents currently idle in the dispatcher's eyes.
// Stops when ctx is cancelled.
func ChurnAgents(ctx context.Context, st agentStore, agents []*domain.Agent, loginProb float64, seed int64) {
	rnd := rand.New(rand.NewSource(seed))
	var wg sync.WaitGroup

	for _, agent := range agents {
		agent := agent
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				interval := time.Duration(5+rnd.Intn(11)) * time.Second
				select {
				case <-ctx.Done():
					return
				case <-time.After(interval):
				}
				churnOne(ctx, st, agent, loginProb, rnd)
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
}

// agentStore is the minimal store surface ChurnAgents needs, kept
// narrow so tests can fake it without a real Redis/SQLite backend.
type agentStore interface {
	LoadAgent(ctx context.Context, id string) (*domain.Agent, error)
	SaveAgent(ctx context.Context, agent *domain.Agent) error
}

func churnOne(ctx context.Context, st agentStore, seed *domain.Agent, loginProb float64, rnd *rand.Rand) {
	current, err := st.LoadAgent(ctx, seed.ID)
	if err != nil {
		return
	}
	if current.Status == domain.AgentBusy {
		return
	}

	now := time.Now()
	var transitionErr error
	switch current.Status {
	case domain.AgentAvailable:
		if rnd.Float64() < 0.1 {
			transitionErr = current.SetPaused(now)
		}
	case domain.AgentPaused:
		if rnd.Float64() < 0.7 {
			transitionErr = current.SetAvailable(now)
		}
	case domain.AgentOffline:
		if rnd.Float64() < loginProb {
			transitionErr = current.SetAvailable(now)
		}
	}
	if transitionErr != nil {
		return
	}
	if err := st.SaveAgent(ctx, current); err != nil {
		log.Printf("loadgen: churn save failed: agent_id=%s error=%v", current.ID, err)
	}
}

// Drain polls the dispatcher until no agents remain BUSY (every
// in-flight call has completed or been abandoned) or timeout elapses.
// Returns true if the system drained within timeout.
func Drain(ctx context.Context, st agentStore, agentIDs []string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		busy := false
		for _, id := range agentIDs {
			agent, err := st.LoadAgent(ctx, id)
			if err != nil {
				continue
			}
			if agent.Status == domain.AgentBusy {
				busy = true
				break
			}
		}
		if !busy {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return false
}
