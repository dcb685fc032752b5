package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/callgrid/dispatchd/internal/domain"
	"github.com/callgrid/dispatchd/internal/notifier"
	"github.com/callgrid/dispatchd/internal/qualification"
	"github.com/callgrid/dispatchd/internal/store"
	"github.com/callgrid/dispatchd/pkg/config"
	"github.com/callgrid/dispatchd/pkg/observability"
)

func newTestDispatcher(t *testing.T, cfg *config.Config) (*Dispatcher, *store.Store) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fast := store.NewFastStore(client, "test:")

	durable, err := store.OpenDurableStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = durable.Close() })

	st := store.New(fast, durable)
	st.Start()
	t.Cleanup(st.Stop)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	metrics := observability.NewRegistry()
	n := notifier.New(server.URL, time.Second, metrics)
	require.NoError(t, n.Start(""))
	t.Cleanup(n.Stop)

	sampler := qualification.New(1)

	d := New(st, n, sampler, metrics, cfg)
	d.Start()
	t.Cleanup(d.Stop)

	return d, st
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.CallDurationMean = 0.02
	cfg.CallDurationStd = 0.0
	cfg.ConversionMatrix = map[string]map[string]float64{
		"agente_tipo_1": {"llamada_tipo_1": 1.0},
	}
	return cfg
}

func mustSaveAgent(t *testing.T, ctx context.Context, st *store.Store, agent *domain.Agent) {
	t.Helper()
	require.NoError(t, st.SaveAgent(ctx, agent))
}

func TestDispatcher_AssignCall_HappyPath(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	d, st := newTestDispatcher(t, cfg)

	agent := domain.NewAgent("alice", "agente_tipo_1", domain.AgentAvailable)
	mustSaveAgent(t, ctx, st, agent)

	call := domain.NewCall("+1000", "llamada_tipo_1")
	result := d.AssignCall(ctx, call)

	require.Equal(t, ResultAssigned, result.Status)
	require.NotNil(t, result.Assignment)
	require.Equal(t, agent.ID, result.Agent.ID)

	reloaded, err := st.LoadAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AgentBusy, reloaded.Status)

	reloadedCall, err := st.LoadCall(ctx, call.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CallAssigned, reloadedCall.Status)
}

func TestDispatcher_AssignCall_SaturatesWithNoAgents(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDispatcher(t, testConfig())

	call := domain.NewCall("+1000", "llamada_tipo_1")
	result := d.AssignCall(ctx, call)

	require.Equal(t, ResultSaturated, result.Status)
	require.Nil(t, result.Assignment)
}

func TestDispatcher_AssignCall_SelectsLongestIdleAgent(t *testing.T) {
	ctx := context.Background()
	d, st := newTestDispatcher(t, testConfig())

	never := domain.NewAgent("never-served", "agente_tipo_1", domain.AgentAvailable)
	mustSaveAgent(t, ctx, st, never)

	recentlyEnded := time.Now().Add(-1 * time.Second)
	recent := domain.NewAgent("recent", "agente_tipo_1", domain.AgentAvailable)
	recent.LastCallEndAt = &recentlyEnded
	mustSaveAgent(t, ctx, st, recent)

	call := domain.NewCall("+1000", "llamada_tipo_1")
	result := d.AssignCall(ctx, call)

	require.Equal(t, ResultAssigned, result.Status)
	require.Equal(t, never.ID, result.Agent.ID, "the never-served agent must be preferred as longest idle")
}

func TestDispatcher_CompletionReleasesAgentAndRecordsQualification(t *testing.T) {
	ctx := context.Background()
	d, st := newTestDispatcher(t, testConfig())

	agent := domain.NewAgent("alice", "agente_tipo_1", domain.AgentAvailable)
	mustSaveAgent(t, ctx, st, agent)

	call := domain.NewCall("+1000", "llamada_tipo_1")
	result := d.AssignCall(ctx, call)
	require.Equal(t, ResultAssigned, result.Status)

	require.Eventually(t, func() bool {
		reloaded, err := st.LoadCall(ctx, call.ID)
		require.NoError(t, err)
		return reloaded.Status == domain.CallCompleted
	}, 2*time.Second, 10*time.Millisecond)

	reloadedCall, err := st.LoadCall(ctx, call.ID)
	require.NoError(t, err)
	require.Equal(t, domain.QualificationOK, reloadedCall.Qualification, "conversion matrix is configured at P=1.0")

	reloadedAgent, err := st.LoadAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AgentAvailable, reloadedAgent.Status)
	require.NotNil(t, reloadedAgent.LastCallEndAt)
}

func TestDispatcher_AbandonCall_ReleasesAgentWithoutCompletion(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.CallDurationMean = 10 // long enough that abandon definitely wins the race
	d, st := newTestDispatcher(t, cfg)

	agent := domain.NewAgent("alice", "agente_tipo_1", domain.AgentAvailable)
	mustSaveAgent(t, ctx, st, agent)

	call := domain.NewCall("+1000", "llamada_tipo_1")
	result := d.AssignCall(ctx, call)
	require.Equal(t, ResultAssigned, result.Status)

	require.NoError(t, d.AbandonCall(ctx, call.ID))

	reloadedCall, err := st.LoadCall(ctx, call.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CallAbandoned, reloadedCall.Status)
	require.Equal(t, domain.QualificationPending, reloadedCall.Qualification, "abandoned calls never draw a qualification")

	reloadedAgent, err := st.LoadAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AgentAvailable, reloadedAgent.Status)
}

func TestDispatcher_GetSystemStatus_ReportsAgentCountsAndLatency(t *testing.T) {
	ctx := context.Background()
	d, st := newTestDispatcher(t, testConfig())

	agent := domain.NewAgent("alice", "agente_tipo_1", domain.AgentAvailable)
	mustSaveAgent(t, ctx, st, agent)
	idle := domain.NewAgent("bob", "agente_tipo_1", domain.AgentPaused)
	mustSaveAgent(t, ctx, st, idle)

	call := domain.NewCall("+1000", "llamada_tipo_1")
	result := d.AssignCall(ctx, call)
	require.Equal(t, ResultAssigned, result.Status)

	// The durable tier the status snapshot reads from is written to
	// asynchronously, off the dispatch hot path.
	require.Eventually(t, func() bool {
		status, err := d.GetSystemStatus(ctx)
		if err != nil {
			return false
		}
		return status.AgentsByStatus[string(domain.AgentBusy)] == 1 &&
			status.AgentsByStatus[string(domain.AgentPaused)] == 1 &&
			status.ActiveAssignments == 1
	}, 2*time.Second, 10*time.Millisecond)

	status, err := d.GetSystemStatus(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, status.AssignmentLatencyP95Ms, 0.0)
}

func TestDispatcher_AssignCall_RaceDetectedOnConcurrentLock(t *testing.T) {
	ctx := context.Background()
	d, st := newTestDispatcher(t, testConfig())

	agent := domain.NewAgent("alice", "agente_tipo_1", domain.AgentAvailable)
	mustSaveAgent(t, ctx, st, agent)

	call := domain.NewCall("+1000", "llamada_tipo_1")
	require.NoError(t, st.SaveCall(ctx, call))

	held, err := st.AcquireLock(ctx, call.ID, "someone-else", 5*time.Second)
	require.NoError(t, err)
	require.True(t, held)

	result := d.AssignCall(ctx, call)
	require.Equal(t, ResultRaceDetected, result.Status)
}
