package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/callgrid/dispatchd/internal/dispatch"
	"github.com/callgrid/dispatchd/internal/notifier"
	"github.com/callgrid/dispatchd/internal/qualification"
	"github.com/callgrid/dispatchd/internal/store"
	"github.com/callgrid/dispatchd/pkg/config"
	"github.com/callgrid/dispatchd/pkg/observability"
)

func newTestServer(t *testing.T) *Server {
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

	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(webhook.Close)

	metrics := observability.NewRegistry()
	n := notifier.New(webhook.URL, time.Second, metrics)
	require.NoError(t, n.Start(""))
	t.Cleanup(n.Stop)

	cfg := config.Default()
	sampler := qualification.New(1)
	d := dispatch.New(st, n, sampler, metrics, cfg)
	d.Start()
	t.Cleanup(d.Stop)

	return NewServer("", d, st, metrics, cfg)
}

func TestHTTPAPI_CreateAgentAndFetch(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"name": "alice", "agent_type": "agente_tipo_1"})
	req := httptest.NewRequest(http.MethodPost, "/agents/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["ID"].(string)

	req = httptest.NewRequest(http.MethodGet, "/agents/"+id, nil)
	rec = httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPAPI_CreateCallAssignsWhenAgentAvailable(t *testing.T) {
	s := newTestServer(t)

	agentBody, _ := json.Marshal(map[string]string{"name": "alice", "agent_type": "agente_tipo_1"})
	req := httptest.NewRequest(http.MethodPost, "/agents/", bytes.NewReader(agentBody))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	callBody, _ := json.Marshal(map[string]string{"phone_number": "+1000", "call_type": "llamada_tipo_1"})
	req = httptest.NewRequest(http.MethodPost, "/calls/", bytes.NewReader(callBody))
	rec = httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ASSIGNED", resp["assignment_result"])
}

func TestHTTPAPI_CreateCallSaturatesWithNoAgents(t *testing.T) {
	s := newTestServer(t)

	callBody, _ := json.Marshal(map[string]string{"phone_number": "+1000", "call_type": "llamada_tipo_1"})
	req := httptest.NewRequest(http.MethodPost, "/calls/", bytes.NewReader(callBody))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPAPI_GetCall_NotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/calls/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPAPI_SystemStatus(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/system/status", nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
