package loadgen

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/callgrid/dispatchd/internal/dispatch"
	"github.com/callgrid/dispatchd/internal/domain"
	"github.com/callgrid/dispatchd/internal/notifier"
	"github.com/callgrid/dispatchd/internal/qualification"
	"github.com/callgrid/dispatchd/internal/store"
	"github.com/callgrid/dispatchd/pkg/config"
	"github.com/callgrid/dispatchd/pkg/observability"
)

func newTestDispatcher(t *testing.T) (*dispatch.Dispatcher, *store.Store, *config.Config) {
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

	cfg := config.Default()
	cfg.CallDurationMean = 0.01
	cfg.CallDurationStd = 0

	sampler := qualification.New(1)
	d := dispatch.New(st, n, sampler, metrics, cfg)
	d.Start()
	t.Cleanup(d.Stop)

	return d, st, cfg
}

func TestMakeAgents_DistributesAcrossTypes(t *testing.T) {
	cfg := config.Default()
	agents := MakeAgents(cfg, 8)
	require.Len(t, agents, 8)

	counts := map[string]int{}
	for _, a := range agents {
		counts[a.Type]++
		require.Equal(t, domain.AgentAvailable, a.Status)
	}
	require.Len(t, counts, len(cfg.AgentTypes))
}

func TestMakeCalls_DistributesAndShuffles(t *testing.T) {
	cfg := config.Default()
	calls := MakeCalls(cfg, 40, 7)
	require.Len(t, calls, 40)

	counts := map[string]int{}
	for _, c := range calls {
		counts[c.Type]++
	}
	require.Len(t, counts, len(cfg.CallTypes))
}

func TestDriveArrivals_AssignsWithinCapacity(t *testing.T) {
	ctx := context.Background()
	d, st, cfg := newTestDispatcher(t)

	agents := MakeAgents(cfg, 5)
	for _, a := range agents {
		require.NoError(t, st.SaveAgent(ctx, a))
	}
	calls := MakeCalls(cfg, 5, 1)

	report := DriveArrivals(ctx, d, calls, 1000, 5)

	require.Equal(t, 5, report.Total)
	require.Equal(t, 5, report.Assigned)
	require.Equal(t, 0, report.Saturated)
	require.GreaterOrEqual(t, report.P95Ms, 0.0)
}

func TestDriveArrivals_SaturatesBeyondCapacity(t *testing.T) {
	ctx := context.Background()
	d, st, cfg := newTestDispatcher(t)

	agent := MakeAgents(cfg, 1)[0]
	require.NoError(t, st.SaveAgent(ctx, agent))

	calls := MakeCalls(cfg, 3, 1)
	report := DriveArrivals(ctx, d, calls, 1000, 3)

	require.Equal(t, 3, report.Total)
	require.Equal(t, 1, report.Assigned)
	require.Equal(t, 2, report.Saturated)
}

func TestChurnAgents_NeverTouchesBusyAgents(t *testing.T) {
	ctx := context.Background()
	_, st, cfg := newTestDispatcher(t)

	agent := MakeAgents(cfg, 1)[0]
	require.NoError(t, agent.AssignCall("call-1", time.Now()))
	require.NoError(t, st.SaveAgent(ctx, agent))

	churnCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	ChurnAgents(churnCtx, st, []*domain.Agent{agent}, 1.0, 2)

	reloaded, err := st.LoadAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AgentBusy, reloaded.Status, "churn must never touch a busy agent")
}

func TestDrain_ReturnsTrueOnceAllAgentsIdle(t *testing.T) {
	ctx := context.Background()
	_, st, cfg := newTestDispatcher(t)

	agent := MakeAgents(cfg, 1)[0]
	require.NoError(t, st.SaveAgent(ctx, agent))

	drained := Drain(ctx, st, []string{agent.ID}, time.Second)
	require.True(t, drained)
}

func TestDrain_TimesOutWhileAgentBusy(t *testing.T) {
	ctx := context.Background()
	_, st, cfg := newTestDispatcher(t)

	agent := MakeAgents(cfg, 1)[0]
	require.NoError(t, agent.AssignCall("call-1", time.Now()))
	require.NoError(t, st.SaveAgent(ctx, agent))

	drained := Drain(ctx, st, []string{agent.ID}, 80*time.Millisecond)
	require.False(t, drained)
}
