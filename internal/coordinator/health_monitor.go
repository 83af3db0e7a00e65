package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/pipcast/internal/cluster"
)

// Health states.
const (
	StatusUnknown    = "unknown"
	StatusHealthy    = "healthy"
	StatusUnhealthy  = "unhealthy"
	StatusRecovering = "recovering"
)

// NodeHealth tracks the health status of a single worker.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`   // Timestamp of the last health check attempt
	LastHealthy      time.Time `json:"last_healthy"` // Timestamp of the last successful health check
	NodeID           string    `json:"node_id"`
	Addr             string    `json:"addr"`
	Status           string    `json:"status"` // one of the Status constants
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor periodically probes the /health endpoint of every attached
// worker. A worker that fails maxFailures probes in a row is reported
// through the onUnhealthy callback, which the coordinator uses to detach
// it from the broadcast channel so broadcasts stop waiting on it.
//
// Detached workers stay under observation. The first probe a detached
// worker passes hands it to the onRecovered callback, which catches it up
// on the standing actions and attaches it again. While that runs the node
// is StatusRecovering and is not probed. A failed catch-up puts it back to
// StatusUnhealthy, so the next passing probe retries. A detached worker
// that keeps failing for forgetAfter probes is dropped.
//
//	attached ──3 fails──► unhealthy ──probe ok──► recovering ──Attach ok──► healthy
//	                          ▲                        │
//	                          └────── Attach failed ───┘
//
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(nodeID string)
	onRecovered func(ctx context.Context, node cluster.NodeInfo) error
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
	forgetAfter int
}

// NewHealthMonitor creates a health monitor probing every interval.
// Nodes are marked unhealthy after 3 consecutive failures.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, logger)
//	monitor.SetOnUnhealthy(func(id string) { channel.Detach(id) })
//	monitor.SetOnRecovered(channel.Attach)
//	go monitor.Start(ctx, channel.Members)
func NewHealthMonitor(interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &HealthMonitor{
		interval:    interval,
		maxFailures: 3,
		forgetAfter: 100,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy sets the callback invoked when a node turns unhealthy. It
// runs on the probe loop before the node's next probe, so it must not
// block.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.onUnhealthy = callback
}

// SetOnRecovered sets the callback that brings a detached node back once
// it passes a probe. It runs in its own goroutine; an error leaves the
// node unhealthy.
func (h *HealthMonitor) SetOnRecovered(callback func(ctx context.Context, node cluster.NodeInfo) error) {
	h.onRecovered = callback
}

// SetCheckFunction overrides the probe. Used by tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.checkFunc = checkFunc
}

// Start checks the nodes returned by nodeProvider every interval until ctx
// is canceled or Stop is called. It blocks.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(h.ctx, cancel)()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", zap.Duration("interval", h.interval))

	h.checkAllNodes(ctx, nodeProvider())
	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(ctx, nodeProvider())
		case <-ctx.Done():
			reason := "context canceled"
			if h.ctx.Err() != nil {
				reason = "stopped"
			}
			h.logger.Info("health monitor stopping", zap.String("reason", reason))
			return
		}
	}
}

// Stop shuts the monitor down and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAllNodes probes nodes plus the detached nodes still under
// observation, and forgets the rest.
func (h *HealthMonitor) checkAllNodes(ctx context.Context, nodes []cluster.NodeInfo) {
	targets := append([]cluster.NodeInfo(nil), nodes...)
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
	}

	h.mu.Lock()
	for nodeID, health := range h.nodes {
		if current[nodeID] {
			continue
		}
		switch {
		case health.Status == StatusRecovering:
		case health.Status == StatusUnhealthy && health.ConsecutiveFails < h.forgetAfter:
			targets = append(targets, cluster.NodeInfo{ID: nodeID, Addr: health.Addr})
		default:
			delete(h.nodes, nodeID)
			h.logger.Debug("stopped monitoring node", zap.String("node_id", nodeID))
		}
	}
	h.mu.Unlock()

	for _, node := range targets {
		h.checkNode(ctx, node)
	}
}

// checkNode performs one probe and updates the node's record.
//
// Implementation:
//  1. Get or create health record for the node, skip it while recovering
//  2. Probe without holding the lock
//  3. Track consecutive failures
//  4. Fire the unhealthy callback on the healthy->unhealthy edge only
//  5. Start recovery on the unhealthy->healthy edge
func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := time.Now()
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	if health.Status == StatusRecovering {
		h.mu.Unlock()
		return
	}
	health.Addr = node.Addr
	h.mu.Unlock()

	err := h.checkFunc(ctx, node.Addr)
	if h.record(ctx, node, health, err) && h.onUnhealthy != nil {
		h.onUnhealthy(node.ID)
	}
}

// record applies one probe outcome and reports whether the node just
// turned unhealthy.
func (h *HealthMonitor) record(ctx context.Context, node cluster.NodeInfo, health *NodeHealth, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err == nil {
		wasUnhealthy := health.Status == StatusUnhealthy
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		if wasUnhealthy {
			h.logger.Info("node recovered", zap.String("node_id", node.ID))
			if h.onRecovered != nil {
				health.Status = StatusRecovering
				h.wg.Add(1)
				go h.recover(ctx, node)
			}
		}
		return false
	}

	health.ConsecutiveFails++
	h.logger.Warn("health check failed",
		zap.String("node_id", node.ID),
		zap.Int("attempt", health.ConsecutiveFails),
		zap.Int("max_failures", h.maxFailures),
		zap.Error(err))

	if health.ConsecutiveFails < h.maxFailures || health.Status == StatusUnhealthy {
		return false
	}
	health.Status = StatusUnhealthy
	h.logger.Warn("node marked unhealthy",
		zap.String("node_id", node.ID),
		zap.Int("failures", health.ConsecutiveFails))
	return true
}

func (h *HealthMonitor) recover(ctx context.Context, node cluster.NodeInfo) {
	defer h.wg.Done()
	err := h.onRecovered(ctx, node)

	h.mu.Lock()
	defer h.mu.Unlock()
	health, ok := h.nodes[node.ID]
	if !ok {
		return
	}
	if err != nil {
		health.Status = StatusUnhealthy
		h.logger.Warn("reattach failed", zap.String("node_id", node.ID), zap.Error(err))
		return
	}
	health.Status = StatusHealthy
	h.logger.Info("node reattached", zap.String("node_id", node.ID))
}

// defaultHealthCheck GETs <addr>/health and expects 200 OK.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of the node's health record, or nil when the
// node is not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	c := *health
	return &c
}

// GetAllNodeHealth returns copies of every health record keyed by node ID.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		c := *health
		result[id] = &c
	}
	return result
}

// IsHealthy reports whether nodeID passed its last probe.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}
