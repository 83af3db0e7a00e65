package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/pipcast/internal/broadcast"
	"github.com/dreamware/pipcast/internal/cluster"
	"github.com/dreamware/pipcast/internal/descriptor"
	"github.com/dreamware/pipcast/internal/envmgr"
)

func newTestAgent() (*Agent, *envmgr.Memory) {
	env := envmgr.NewMemory()
	return NewAgent(cluster.NodeInfo{ID: "node-1", Addr: "http://127.0.0.1:8081"}, env, nil), env
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, &buf))
	return rec
}

// TestHandleApply tests the apply endpoint for each outcome
func TestHandleApply(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		failOn     string
		wantStatus int
		wantCalls  []string
	}{
		{
			name:       "install",
			body:       cluster.Install("a1", descriptor.Descriptor{Name: "celery", Version: "4.2.2"}),
			wantStatus: http.StatusNoContent,
			wantCalls:  []string{"install celery==4.2.2"},
		},
		{
			name:       "uninstall",
			body:       cluster.Uninstall("a2", "celery"),
			wantStatus: http.StatusNoContent,
			wantCalls:  []string{"uninstall celery"},
		},
		{
			name:       "unknown op",
			body:       map[string]any{"id": "a3", "op": "upgrade", "descriptor": map[string]any{"name": "celery"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unsafe name",
			body:       cluster.Uninstall("a4", "celery;rm"),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "manager failure",
			body:       cluster.Install("a5", descriptor.Descriptor{Name: "broken"}),
			failOn:     "broken",
			wantStatus: http.StatusInternalServerError,
			wantCalls:  []string{"install broken"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent, env := newTestAgent()
			if tt.failOn != "" {
				env.FailOn(tt.failOn, errors.New("No matching distribution found"))
			}

			rec := post(t, agent.Handler(), broadcast.ApplyPath, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCalls, env.Calls())
			if tt.wantStatus == http.StatusInternalServerError {
				var e cluster.ErrorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
				assert.Contains(t, e.Error, "No matching distribution")
			}
		})
	}
}

func TestHandleApplyBadJSON(t *testing.T) {
	agent, _ := newTestAgent()
	rec := httptest.NewRecorder()
	agent.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, broadcast.ApplyPath, bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	agent.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, broadcast.ApplyPath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleList(t *testing.T) {
	agent, env := newTestAgent()
	h := agent.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, broadcast.ListPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp cluster.ListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "node-1", resp.NodeID)
	assert.NotNil(t, resp.Packages)
	assert.Empty(t, resp.Packages)

	env.Preinstall(envmgr.Package{Name: "six", Version: "1.16.0"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, broadcast.ListPath, nil))
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []envmgr.Package{{Name: "six", Version: "1.16.0"}}, resp.Packages)

	env.FailList(errors.New("pip: not found"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, broadcast.ListPath, nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthAndInfo(t *testing.T) {
	agent, env := newTestAgent()
	h := agent.Handler()
	env.FailOn("broken", errors.New("boom"))

	ctx := context.Background()
	require.NoError(t, agent.Apply(ctx, cluster.Install("a1", descriptor.Descriptor{Name: "celery"})))
	require.Error(t, agent.Apply(ctx, cluster.Install("a2", descriptor.Descriptor{Name: "broken"})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "node-1", info.ID)
	assert.EqualValues(t, 1, info.Applied)
	assert.EqualValues(t, 1, info.Failed)
}

// TestSenderAgainstAgent runs the coordinator's HTTP sender against a real agent
func TestSenderAgainstAgent(t *testing.T) {
	agent, env := newTestAgent()
	server := httptest.NewServer(agent.Handler())
	defer server.Close()

	sender := broadcast.NewHTTPSender(nil)
	node := cluster.NodeInfo{ID: "node-1", Addr: server.URL}
	ctx := context.Background()

	require.NoError(t, sender.Apply(ctx, node, cluster.Install("a1", descriptor.Descriptor{Name: "arrow", Version: "0.12.1"})))
	assert.True(t, env.Has("arrow"))

	pkgs, err := sender.List(ctx, node)
	require.NoError(t, err)
	assert.Equal(t, []envmgr.Package{{Name: "arrow", Version: "0.12.1"}}, pkgs)
}

func TestRegister(t *testing.T) {
	info := cluster.NodeInfo{ID: "node-1", Addr: "http://127.0.0.1:8081"}

	t.Run("retries until coordinator is up", func(t *testing.T) {
		var attempts atomic.Int32
		coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) < 3 {
				cluster.WriteError(w, http.StatusServiceUnavailable, "starting")
				return
			}
			var req cluster.RegisterRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			assert.Equal(t, info, req.Node)
			w.WriteHeader(http.StatusNoContent)
		}))
		defer coord.Close()

		err := Register(context.Background(), nil, coord.URL, info, 10*time.Second, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 3, attempts.Load())
	})

	t.Run("client error is not retried", func(t *testing.T) {
		var attempts atomic.Int32
		coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			attempts.Add(1)
			cluster.WriteError(w, http.StatusBadRequest, "missing node id")
		}))
		defer coord.Close()

		err := Register(context.Background(), nil, coord.URL, info, 10*time.Second, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing node id")
		assert.EqualValues(t, 1, attempts.Load())
	})

	t.Run("gives up after max elapsed", func(t *testing.T) {
		coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			cluster.WriteError(w, http.StatusBadGateway, "replay failed")
		}))
		defer coord.Close()

		err := Register(context.Background(), nil, coord.URL, info, 500*time.Millisecond, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "replay failed")
	})
}
