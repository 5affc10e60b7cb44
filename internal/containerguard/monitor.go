package containerguard

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"go.uber.org/zap"
)

// ContainerInfo is the monitor cache's per-container snapshot (§4.7).
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	Labels map[string]string
	State  string
}

// DockerClient is the subset of *client.Client the monitor depends on,
// so tests can substitute a fake without a live Docker daemon.
type DockerClient interface {
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
}

// Monitor periodically polls the container runtime and maintains an
// in-memory cache keyed by full container id. Single-writer: only the
// sweep goroutine mutates the cache; readers take a point-in-time
// snapshot (§5 "readers access it through the same task via ...
// snapshot handoff").
type Monitor struct {
	client DockerClient
	log    *zap.Logger
	period time.Duration

	mu    sync.RWMutex
	cache map[string]ContainerInfo
}

// NewMonitor constructs a Monitor. pollInterval <= 0 falls back to 10s
// (§4.7 default).
func NewMonitor(dc DockerClient, pollInterval time.Duration, log *zap.Logger) *Monitor {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Monitor{client: dc, log: log, period: pollInterval, cache: make(map[string]ContainerInfo)}
}

// Run sweeps the container runtime on every tick until ctx is
// cancelled, racing the sleep against cancellation per §9.
func (m *Monitor) Run(ctx context.Context) error {
	m.sweep(ctx)
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	containers, err := m.client.ContainerList(ctx, types.ContainerListOptions{All: false})
	if err != nil {
		m.log.Warn("containerguard: monitor sweep failed", zap.Error(err))
		return
	}

	fresh := make(map[string]ContainerInfo, len(containers))
	for _, c := range containers {
		fresh[c.ID] = ContainerInfo{
			ID:     c.ID,
			Name:   strings.TrimPrefix(firstName(c.Names), "/"),
			Image:  c.Image,
			Labels: c.Labels,
			State:  c.State,
		}
	}

	m.mu.Lock()
	m.cache = fresh // entries not seen in this sweep are evicted by replacement
	m.mu.Unlock()
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Snapshot returns every tracked container sorted lexicographically by
// id, the deterministic iteration order §4.7 requires for policy
// matching.
func (m *Monitor) Snapshot() []ContainerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ContainerInfo, 0, len(m.cache))
	for _, c := range m.cache {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup resolves id by full id or unambiguous prefix. Returns false
// if no container matches, or more than one matches a prefix.
func (m *Monitor) Lookup(id string) (ContainerInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.cache[id]; ok {
		return c, true
	}
	var match ContainerInfo
	count := 0
	for cid, c := range m.cache {
		if strings.HasPrefix(cid, id) {
			match = c
			count++
		}
	}
	if count == 1 {
		return match, true
	}
	return ContainerInfo{}, false
}

// Len reports the current cache size.
func (m *Monitor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}
