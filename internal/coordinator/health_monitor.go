package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dreamware/buddymirror/internal/cluster"
	"github.com/dreamware/buddymirror/internal/targetstate"
)

// Node health states tracked by the monitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusSuspect   = "suspect"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the health status of a single storage node.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time      // Timestamp of the last health check attempt
	LastHealthy      time.Time      // Timestamp of the last successful health check
	NodeID           cluster.NodeID // Node being checked
	Status           string         // One of the Status* constants
	ConsecutiveFails int            // Number of consecutive failed health checks
}

// NodeReporter receives node-level reachability decisions. It is implemented
// by FailoverCoordinator.
type NodeReporter interface {
	ReportNode(node cluster.NodeID, reach targetstate.Reachability) []cluster.GroupID
}

// HealthMonitor periodically probes every registered storage node and feeds
// the result into the target state registry through a NodeReporter:
//
//   - a successful probe reports all targets of the node ONLINE
//   - the first failed probe reports them PROBABLY_OFFLINE
//   - maxFailures consecutive failures report them OFFLINE, which may fail
//     over the groups whose primary lives on that node
//
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[cluster.NodeID]*NodeHealth // Current health status per node
	httpClient  *http.Client                   // HTTP client for health checks
	checkFunc   func(addr string) error        // Function to perform health check
	reporter    NodeReporter                   // Receives reachability changes
	lg          *zap.Logger
	ctx         context.Context    // Context for cancellation
	cancel      context.CancelFunc // Cancel function for shutdown
	interval    time.Duration      // How often to check node health
	timeout     time.Duration      // HTTP timeout for health checks
	mu          sync.RWMutex       // Protects nodes map
	wg          sync.WaitGroup     // Wait group for graceful shutdown
	maxFailures int                // Failures before marking unhealthy
}

// NewHealthMonitor creates a health monitor that probes each node's /health
// endpoint every interval and declares a node's targets OFFLINE after
// maxFailures consecutive failures.
//
// Parameters:
//   - interval: How often to perform health checks (recommended: 5s)
//   - timeout: Per-probe HTTP timeout
//   - maxFailures: Consecutive failures before the node is unhealthy (<=0 means 3)
//   - reporter: Receives reachability changes (nil disables reporting)
//   - lg: Logger; nil disables logging
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, 2*time.Second, 3, failover, logger)
//	go monitor.Start(ctx, nodes.All)
func NewHealthMonitor(interval, timeout time.Duration, maxFailures int, reporter NodeReporter, lg *zap.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if lg == nil {
		lg = zap.NewNop()
	}

	return &HealthMonitor{
		interval:    interval,
		timeout:     timeout,
		maxFailures: maxFailures,
		reporter:    reporter,
		lg:          lg.Named("health"),
		nodes:       make(map[cluster.NodeID]*NodeHealth),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the health monitoring process in the current goroutine.
// It periodically checks all nodes provided by the nodeProvider function.
// This method blocks until ctx or the monitor itself is canceled.
//
// Example:
//
//	go monitor.Start(ctx, nodeStore.All)
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}

	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.lg.Info("health monitor started", zap.Duration("interval", h.interval))

	h.checkAllNodes(nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(nodeProvider())
		case <-ctx.Done():
			h.lg.Info("health monitor stopping", zap.Error(ctx.Err()))
			return
		case <-h.ctx.Done():
			h.lg.Info("health monitor stopping")
			return
		}
	}
}

// Stop cancels the monitoring goroutine and waits for it to finish.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAllNodes checks every node and forgets nodes no longer registered.
func (h *HealthMonitor) checkAllNodes(nodes []cluster.NodeInfo) {
	current := make(map[cluster.NodeID]bool, len(nodes))

	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(node)
	}

	h.mu.Lock()
	for id, health := range h.nodes {
		if !current[id] {
			if health.Status == StatusUnhealthy {
				unhealthyNodes.Dec()
			}
			delete(h.nodes, id)
			h.lg.Info("removed node from health monitoring", zap.Uint16("nodeID", uint16(id)))
		}
	}
	h.mu.Unlock()
}

// checkNode probes a single node and reports a reachability change when the
// node's status moves. The report is made without holding mu.
func (h *HealthMonitor) checkNode(node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      StatusUnknown,
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(node.Addr)

	h.mu.Lock()
	health.LastCheck = time.Now()
	previous := health.Status
	if err != nil {
		healthChecks.WithLabelValues("failure").Inc()
		health.ConsecutiveFails++
		h.lg.Warn("health check failed",
			zap.Uint16("nodeID", uint16(node.ID)),
			zap.Int("attempt", health.ConsecutiveFails),
			zap.Int("maxFailures", h.maxFailures),
			zap.Error(err))

		if health.ConsecutiveFails >= h.maxFailures {
			health.Status = StatusUnhealthy
		} else if previous != StatusUnhealthy {
			health.Status = StatusSuspect
		}
	} else {
		healthChecks.WithLabelValues("success").Inc()
		if previous == StatusUnhealthy {
			h.lg.Info("node recovered", zap.Uint16("nodeID", uint16(node.ID)))
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = time.Now()
	}
	status := health.Status
	h.mu.Unlock()

	if status == StatusUnhealthy && previous != StatusUnhealthy {
		unhealthyNodes.Inc()
		h.lg.Error("node marked unhealthy", zap.Uint16("nodeID", uint16(node.ID)))
	} else if previous == StatusUnhealthy && status != StatusUnhealthy {
		unhealthyNodes.Dec()
	}

	if h.reporter == nil {
		return
	}
	switch {
	case status == StatusHealthy:
		// every success refreshes the targets' last report time
		h.reporter.ReportNode(node.ID, targetstate.Online)
	case status == StatusUnhealthy && previous != StatusUnhealthy:
		h.reporter.ReportNode(node.ID, targetstate.Offline)
	case status == StatusSuspect && previous != StatusSuspect:
		h.reporter.ReportNode(node.ID, targetstate.ProbablyOffline)
	}
}

// defaultHealthCheck performs an HTTP GET against the node's /health endpoint.
// addr may be a full URL or host:port.
func (h *HealthMonitor) defaultHealthCheck(addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("http://%s", addr)
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build health request")
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "health check request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of a node's health record, or nil if the node is
// not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID cluster.NodeID) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns copies of all health records keyed by node.
func (h *HealthMonitor) GetAllNodeHealth() map[cluster.NodeID]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[cluster.NodeID]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		cp := *health
		result[id] = &cp
	}
	return result
}

// IsHealthy returns whether a node is currently healthy. Unmonitored nodes are
// not healthy.
func (h *HealthMonitor) IsHealthy(nodeID cluster.NodeID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}

// SetCheckFunction overrides the probe. Must be called before Start.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(addr string) error) {
	h.checkFunc = checkFunc
}
