package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/pipcast/internal/broadcast"
	"github.com/dreamware/pipcast/internal/cluster"
	"github.com/dreamware/pipcast/internal/descriptor"
	"github.com/dreamware/pipcast/internal/envmgr"
)

// TestNewHealthMonitor verifies the defaults of a new monitor
func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5*time.Second, nil)
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.NotNil(t, monitor.logger)
	assert.NotNil(t, monitor.checkFunc)
	assert.Empty(t, monitor.GetAllNodeHealth())
}

// TestHealthMonitorStart verifies periodic probing of every node
func TestHealthMonitorStart(t *testing.T) {
	monitor := NewHealthMonitor(50*time.Millisecond, nil)
	defer monitor.Stop()

	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	monitor.SetCheckFunction(func(_ context.Context, addr string) error {
		mu.Lock()
		calls[addr]++
		mu.Unlock()
		return nil
	})

	nodes := func() []cluster.NodeInfo {
		return []cluster.NodeInfo{
			{ID: "node-1", Addr: "http://localhost:8081"},
			{ID: "node-2", Addr: "http://localhost:8082"},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, nodes)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls["http://localhost:8081"] >= 3 && calls["http://localhost:8082"] >= 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, monitor.IsHealthy("node-1"))
	assert.True(t, monitor.IsHealthy("node-2"))
}

// TestHealthMonitorNodeFailure verifies the failure threshold and the callback edge
func TestHealthMonitorNodeFailure(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour, nil)
	monitor.SetCheckFunction(func(context.Context, string) error { return errors.New("connection refused") })

	fired := make(chan string, 4)
	monitor.SetOnUnhealthy(func(id string) { fired <- id })

	ctx := context.Background()
	nodes := []cluster.NodeInfo{{ID: "node-1", Addr: "localhost:8081"}}

	monitor.checkAllNodes(ctx, nodes)
	monitor.checkAllNodes(ctx, nodes)
	health := monitor.GetNodeHealth("node-1")
	require.NotNil(t, health)
	assert.Equal(t, StatusUnknown, health.Status)
	assert.Equal(t, 2, health.ConsecutiveFails)

	monitor.checkAllNodes(ctx, nodes)
	assert.Equal(t, StatusUnhealthy, monitor.GetNodeHealth("node-1").Status)

	select {
	case id := <-fired:
		assert.Equal(t, "node-1", id)
	case <-time.After(time.Second):
		t.Fatal("unhealthy callback not invoked")
	}

	// further failures do not fire again
	monitor.checkAllNodes(ctx, nodes)
	select {
	case id := <-fired:
		t.Fatalf("callback fired twice for %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestHealthMonitorNodeRecovery verifies recovery resets the failure count
func TestHealthMonitorNodeRecovery(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour, nil)

	var (
		mu      sync.Mutex
		failing = true
	)
	monitor.SetCheckFunction(func(context.Context, string) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.New("timeout")
		}
		return nil
	})

	ctx := context.Background()
	nodes := []cluster.NodeInfo{{ID: "node-1", Addr: "localhost:8081"}}
	for i := 0; i < 3; i++ {
		monitor.checkAllNodes(ctx, nodes)
	}
	assert.False(t, monitor.IsHealthy("node-1"))

	mu.Lock()
	failing = false
	mu.Unlock()
	monitor.checkAllNodes(ctx, nodes)

	health := monitor.GetNodeHealth("node-1")
	assert.Equal(t, StatusHealthy, health.Status)
	assert.Zero(t, health.ConsecutiveFails)
}

// TestHealthMonitorNodeRemoval verifies that departed nodes are forgotten
func TestHealthMonitorNodeRemoval(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour, nil)
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })

	ctx := context.Background()
	monitor.checkAllNodes(ctx, []cluster.NodeInfo{{ID: "node-1"}, {ID: "node-2"}})
	assert.Len(t, monitor.GetAllNodeHealth(), 2)

	monitor.checkAllNodes(ctx, []cluster.NodeInfo{{ID: "node-2"}})
	assert.Nil(t, monitor.GetNodeHealth("node-1"))
	assert.NotNil(t, monitor.GetNodeHealth("node-2"))
}

// TestHealthMonitorStop verifies Stop ends Start
func TestHealthMonitorStop(t *testing.T) {
	monitor := NewHealthMonitor(10*time.Millisecond, nil)
	monitor.SetCheckFunction(func(context.Context, string) error { return nil })

	done := make(chan struct{})
	go func() {
		monitor.Start(context.Background(), func() []cluster.NodeInfo { return nil })
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	monitor.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestDefaultHealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	monitor := NewHealthMonitor(time.Hour, nil)
	ctx := context.Background()

	assert.NoError(t, monitor.defaultHealthCheck(ctx, healthy.URL))
	assert.NoError(t, monitor.defaultHealthCheck(ctx, healthy.URL+"/health"))
	assert.NoError(t, monitor.defaultHealthCheck(ctx, healthy.Listener.Addr().String()))

	err := monitor.defaultHealthCheck(ctx, broken.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

// TestHealthMonitorDetachesFromChannel verifies an unhealthy worker stops
// receiving broadcasts
func TestHealthMonitorDetachesFromChannel(t *testing.T) {
	sender := &memSender{envs: map[string]*envmgr.Memory{}}
	channel := broadcast.New(sender)
	ctx := context.Background()
	require.NoError(t, channel.Attach(ctx, cluster.NodeInfo{ID: "node-1", Addr: "a:1"}))
	require.NoError(t, channel.Attach(ctx, cluster.NodeInfo{ID: "node-2", Addr: "b:2"}))

	monitor := NewHealthMonitor(time.Hour, nil)
	monitor.SetCheckFunction(func(_ context.Context, addr string) error {
		if addr == "b:2" {
			return errors.New("connection refused")
		}
		return nil
	})
	monitor.SetOnUnhealthy(func(id string) { channel.Detach(id) })

	for i := 0; i < 3; i++ {
		monitor.checkAllNodes(ctx, channel.Members())
	}

	assert.Eventually(t, func() bool { return len(channel.Members()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "node-1", channel.Members()[0].ID)
}

// TestHealthMonitorReattachesRecoveredNode verifies a detached worker that
// answers again is caught up and rejoins the broadcast channel
func TestHealthMonitorReattachesRecoveredNode(t *testing.T) {
	sender := &memSender{envs: map[string]*envmgr.Memory{}}
	channel := broadcast.New(sender)
	ctx := context.Background()
	require.NoError(t, channel.Attach(ctx, cluster.NodeInfo{ID: "node-1", Addr: "a:1"}))
	require.NoError(t, channel.Attach(ctx, cluster.NodeInfo{ID: "node-2", Addr: "b:2"}))

	var (
		mu   sync.Mutex
		down = true
	)
	monitor := NewHealthMonitor(time.Hour, nil)
	monitor.SetCheckFunction(func(_ context.Context, addr string) error {
		mu.Lock()
		defer mu.Unlock()
		if addr == "b:2" && down {
			return errors.New("connection refused")
		}
		return nil
	})
	monitor.SetOnUnhealthy(func(id string) { channel.Detach(id) })
	monitor.SetOnRecovered(channel.Rejoin)

	for i := 0; i < 3; i++ {
		monitor.checkAllNodes(ctx, channel.Members())
	}
	require.Len(t, channel.Members(), 1)

	// installed while node-2 was away
	action := cluster.Install("a1", descriptor.Descriptor{Name: "celery"})
	channel.RunOnEveryFutureWorker(action)
	channel.RunOnAllWorkers(ctx, action)
	assert.False(t, sender.env("node-2").Has("celery"))

	// still probed while detached
	monitor.checkAllNodes(ctx, channel.Members())
	health := monitor.GetNodeHealth("node-2")
	require.NotNil(t, health)
	assert.Equal(t, StatusUnhealthy, health.Status)
	assert.Equal(t, 4, health.ConsecutiveFails)

	mu.Lock()
	down = false
	mu.Unlock()
	monitor.checkAllNodes(ctx, channel.Members())

	assert.Eventually(t, func() bool { return monitor.IsHealthy("node-2") }, time.Second, 10*time.Millisecond)
	assert.Len(t, channel.Members(), 2)
	assert.True(t, sender.env("node-2").Has("celery"))
}

// TestHealthMonitorRetriesFailedReattach verifies a failed catch-up leaves
// the node unhealthy until a later probe reattaches it
func TestHealthMonitorRetriesFailedReattach(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour, nil)

	var (
		mu          sync.Mutex
		failing     = true
		reattachErr = errors.New("no space left on device")
		attempts    int
	)
	monitor.SetCheckFunction(func(context.Context, string) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.New("timeout")
		}
		return nil
	})
	monitor.SetOnRecovered(func(context.Context, cluster.NodeInfo) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return reattachErr
	})

	ctx := context.Background()
	nodes := []cluster.NodeInfo{{ID: "node-1", Addr: "localhost:8081"}}
	for i := 0; i < 3; i++ {
		monitor.checkAllNodes(ctx, nodes)
	}

	mu.Lock()
	failing = false
	mu.Unlock()
	monitor.checkAllNodes(ctx, nil)
	assert.Eventually(t, func() bool {
		h := monitor.GetNodeHealth("node-1")
		return h != nil && h.Status == StatusUnhealthy
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	reattachErr = nil
	mu.Unlock()
	monitor.checkAllNodes(ctx, nil)
	assert.Eventually(t, func() bool { return monitor.IsHealthy("node-1") }, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

// TestHealthMonitorForgetsDeadDetachedNode verifies a detached node that
// never answers again is eventually dropped
func TestHealthMonitorForgetsDeadDetachedNode(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour, nil)
	monitor.forgetAfter = 5
	monitor.SetCheckFunction(func(context.Context, string) error { return errors.New("connection refused") })

	ctx := context.Background()
	nodes := []cluster.NodeInfo{{ID: "node-1", Addr: "localhost:8081"}}
	for i := 0; i < 3; i++ {
		monitor.checkAllNodes(ctx, nodes)
	}
	require.Equal(t, StatusUnhealthy, monitor.GetNodeHealth("node-1").Status)

	// detached: no longer listed by the provider
	monitor.checkAllNodes(ctx, nil)
	monitor.checkAllNodes(ctx, nil)
	assert.NotNil(t, monitor.GetNodeHealth("node-1"))
	assert.Equal(t, 5, monitor.GetNodeHealth("node-1").ConsecutiveFails)

	monitor.checkAllNodes(ctx, nil)
	assert.Nil(t, monitor.GetNodeHealth("node-1"))
}
