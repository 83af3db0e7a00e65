package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/pipcast/internal/cluster"
	"github.com/dreamware/pipcast/internal/config"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// TestRunRegistersAndServes starts a node against a fake coordinator
func TestRunRegistersAndServes(t *testing.T) {
	var (
		mu  sync.Mutex
		got []cluster.RegisterRequest
	)
	coord := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RegisterRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer coord.Close()

	listen := freeAddr(t)
	cfg := config.DefaultNode()
	cfg.ID = "node-1"
	cfg.Listen = listen
	cfg.Addr = "http://" + listen
	cfg.Coordinator = coord.URL
	cfg.Mode.Kind = config.KindMemory

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zap.NewNop()) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, cluster.NodeInfo{ID: "node-1", Addr: "http://" + listen}, got[0].Node)

	resp, err := http.Get("http://" + listen + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunRejectsUnknownKind(t *testing.T) {
	cfg := config.DefaultNode()
	cfg.ID = "node-1"
	cfg.Coordinator = "http://127.0.0.1:1"
	cfg.Mode.Kind = "conda"

	err := run(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conda")
}
