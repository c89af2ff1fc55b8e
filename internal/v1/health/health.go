// Package health probes Redis connectivity and keeps a rolling history
// of structured status samples per environment.
package health

import (
	"bufio"
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pearl-OS/messaging/internal/v1/config"
	"github.com/pearl-OS/messaging/internal/v1/connection"
	"github.com/pearl-OS/messaging/internal/v1/logging"
	"github.com/pearl-OS/messaging/internal/v1/pool"
)

// DefaultHistorySize bounds the retained samples per environment.
const DefaultHistorySize = 100

// ConnectionStatus describes reachability of one environment's Redis.
type ConnectionStatus struct {
	Status  string        `json:"status"` // "connected" or "error"
	Latency time.Duration `json:"latency,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// PoolStatus reports pool occupancy.
type PoolStatus struct {
	ActiveConnections int `json:"activeConnections"`
	TotalConnections  int `json:"totalConnections"`
}

// MemoryStatus is parsed from INFO memory.
type MemoryStatus struct {
	Used       int64   `json:"used"`
	Peak       int64   `json:"peak"`
	Percentage float64 `json:"percentage,omitempty"`
}

// PerformanceStatus is parsed from INFO stats.
type PerformanceStatus struct {
	CommandsPerSecond int64   `json:"commandsPerSecond,omitempty"`
	KeyspaceHits      int64   `json:"keyspaceHits,omitempty"`
	KeyspaceMisses    int64   `json:"keyspaceMisses,omitempty"`
	HitRatio          float64 `json:"hitRatio,omitempty"`
}

// Status is one structured health sample.
type Status struct {
	Healthy     bool               `json:"healthy"`
	Environment config.Environment `json:"environment"`
	Timestamp   time.Time          `json:"timestamp"`
	Connection  ConnectionStatus   `json:"connection"`
	Pool        *PoolStatus        `json:"pool,omitempty"`
	Memory      *MemoryStatus      `json:"memory,omitempty"`
	Performance *PerformanceStatus `json:"performance,omitempty"`
}

// Monitor probes environments and retains a rolling history. Probe
// failures are folded into the sample, never thrown.
type Monitor struct {
	registry *connection.Registry
	pool     *pool.Pool
	cfg      config.HealthConfig

	mu           sync.Mutex
	history      map[config.Environment][]Status
	historySize  int
	consecFails  map[config.Environment]int
	cancelProbes context.CancelFunc
	wg           sync.WaitGroup
}

// NewMonitor builds a monitor over the registry and (optional) pool.
func NewMonitor(registry *connection.Registry, p *pool.Pool, cfg config.HealthConfig) *Monitor {
	return &Monitor{
		registry:    registry,
		pool:        p,
		cfg:         cfg,
		history:     make(map[config.Environment][]Status),
		historySize: DefaultHistorySize,
		consecFails: make(map[config.Environment]int),
	}
}

// GetStatus probes env once, records the sample, and returns it.
func (m *Monitor) GetStatus(ctx context.Context, env config.Environment) Status {
	probeCtx := ctx
	if m.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
	}

	status := Status{Environment: env, Timestamp: time.Now().UTC()}

	conn := m.registry.HealthStatus(probeCtx, env)
	if conn.Err != nil {
		status.Connection = ConnectionStatus{Status: "error", Error: conn.Err.Error()}
	} else {
		status.Healthy = true
		status.Connection = ConnectionStatus{Status: "connected", Latency: conn.Latency}
	}

	if m.pool != nil {
		ps := m.pool.Stats(env)
		status.Pool = &PoolStatus{
			ActiveConnections: ps.Active,
			TotalConnections:  ps.Total,
		}
	}

	if status.Healthy {
		if client, err := m.registry.Client(probeCtx, env); err == nil {
			if mem, err := client.Info(probeCtx, "memory").Result(); err == nil {
				status.Memory = parseMemoryInfo(mem)
			}
			if st, err := client.Info(probeCtx, "stats").Result(); err == nil {
				status.Performance = parseStatsInfo(st)
			}
		}
	}

	m.record(env, status)
	return status
}

// IsHealthy reports reachability as a plain boolean; probe errors and
// timeouts collapse to false.
func (m *Monitor) IsHealthy(ctx context.Context, env config.Environment) bool {
	return m.GetStatus(ctx, env).Healthy
}

func (m *Monitor) record(env config.Environment, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hist := append(m.history[env], status)
	if len(hist) > m.historySize {
		hist = hist[len(hist)-m.historySize:]
	}
	m.history[env] = hist

	if status.Healthy {
		m.consecFails[env] = 0
	} else {
		m.consecFails[env]++
		if m.cfg.MaxConsecutiveFailures > 0 && m.consecFails[env] == m.cfg.MaxConsecutiveFailures {
			logging.Error(context.Background(), "Redis health probe failing repeatedly",
				zap.String("environment", string(env)),
				zap.Int("consecutive_failures", m.consecFails[env]))
		}
	}
}

// History returns a copy of the retained samples for env.
func (m *Monitor) History(env config.Environment) []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, len(m.history[env]))
	copy(out, m.history[env])
	return out
}

// AverageLatency averages the connection latency of the healthy samples
// among the last n samples for env (all samples when n <= 0 or n exceeds
// the history). Returns 0 when none of them is healthy.
func (m *Monitor) AverageLatency(env config.Environment, n int) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	hist := m.history[env]
	if n <= 0 || n > len(hist) {
		n = len(hist)
	}

	var total time.Duration
	count := 0
	for i := len(hist) - n; i < len(hist); i++ {
		if hist[i].Healthy {
			total += hist[i].Connection.Latency
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// StartProbes launches the periodic probe loop for the given
// environments. Stop cancels it.
func (m *Monitor) StartProbes(envs []config.Environment) {
	m.mu.Lock()
	if m.cancelProbes != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelProbes = cancel
	m.mu.Unlock()

	interval := m.cfg.ProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, env := range envs {
					m.GetStatus(ctx, env)
				}
			}
		}
	}()
}

// Stop halts the probe loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancelProbes
	m.cancelProbes = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// parseMemoryInfo extracts the fields we report from INFO memory output.
func parseMemoryInfo(raw string) *MemoryStatus {
	fields := parseInfoFields(raw)
	mem := &MemoryStatus{
		Used: fields["used_memory"],
		Peak: fields["used_memory_peak"],
	}
	if max := fields["maxmemory"]; max > 0 {
		mem.Percentage = float64(mem.Used) / float64(max) * 100
	}
	return mem
}

// parseStatsInfo extracts the fields we report from INFO stats output.
func parseStatsInfo(raw string) *PerformanceStatus {
	fields := parseInfoFields(raw)
	perf := &PerformanceStatus{
		CommandsPerSecond: fields["instantaneous_ops_per_sec"],
		KeyspaceHits:      fields["keyspace_hits"],
		KeyspaceMisses:    fields["keyspace_misses"],
	}
	if total := perf.KeyspaceHits + perf.KeyspaceMisses; total > 0 {
		perf.HitRatio = float64(perf.KeyspaceHits) / float64(total)
	}
	return perf
}

func parseInfoFields(raw string) map[string]int64 {
	fields := make(map[string]int64)
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			fields[key] = n
		}
	}
	return fields
}
