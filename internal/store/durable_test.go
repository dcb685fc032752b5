package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callgrid/dispatchd/internal/domain"
)

func setupDurableStore(t *testing.T) *DurableStore {
	t.Helper()
	s, err := OpenDurableStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDurableStore_UpsertAndCountCallsByStatus(t *testing.T) {
	ctx := context.Background()
	s := setupDurableStore(t)

	c1 := domain.NewCall("+15550001", "llamada_tipo_1")
	c2 := domain.NewCall("+15550002", "llamada_tipo_2")
	require.NoError(t, c2.AssignToAgent("agent-1", time.Now()))

	require.NoError(t, s.UpsertCall(ctx, c1))
	require.NoError(t, s.UpsertCall(ctx, c2))

	counts, err := s.CountCallsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[string(domain.CallPending)])
	assert.Equal(t, 1, counts[string(domain.CallAssigned)])
}

func TestDurableStore_UpsertCall_OverwritesOnConflict(t *testing.T) {
	ctx := context.Background()
	s := setupDurableStore(t)

	c := domain.NewCall("+15550001", "llamada_tipo_1")
	require.NoError(t, s.UpsertCall(ctx, c))

	require.NoError(t, c.AssignToAgent("agent-1", time.Now()))
	require.NoError(t, s.UpsertCall(ctx, c))

	counts, err := s.CountCallsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[string(domain.CallPending)])
	assert.Equal(t, 1, counts[string(domain.CallAssigned)])
}

func TestDurableStore_AssignmentLatencies(t *testing.T) {
	ctx := context.Background()
	s := setupDurableStore(t)

	a := domain.NewAssignment("call-1", "agent-1")
	require.NoError(t, a.Activate(42.5, 60, time.Now()))
	require.NoError(t, s.UpsertAssignment(ctx, a))

	failed := domain.NewAssignment("call-2", "agent-2")
	failed.Fail(time.Now())
	require.NoError(t, s.UpsertAssignment(ctx, failed))

	latencies, err := s.AssignmentLatencies(ctx)
	require.NoError(t, err)
	require.Len(t, latencies, 1, "failed assignments are excluded from the latency sample")
	assert.Equal(t, 42.5, latencies[0])
}
