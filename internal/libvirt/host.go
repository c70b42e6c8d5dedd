package libvirt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	golibvirt "github.com/digitalocean/go-libvirt"
)

// HostReader turns libvirt node statistics into utilization figures.
type HostReader struct {
	conn *ConnManager

	mu        sync.Mutex
	prevUsed  uint64
	prevTotal uint64
	primed    bool
}

func NewHostReader(conn *ConnManager) *HostReader {
	return &HostReader{conn: conn}
}

// CPUPercent returns busy time since the previous call. The first call only
// primes the counters and returns 0.
func (r *HostReader) CPUPercent(ctx context.Context) (float64, error) {
	client, err := r.conn.Client(ctx)
	if err != nil {
		return 0, err
	}
	// nparams 0 asks the daemon how many fields it has, then we fetch them.
	_, n, err := client.NodeGetCPUStats(-1, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("NodeGetCPUStats: %w", err)
	}
	stats, _, err := client.NodeGetCPUStats(-1, n, 0)
	if err != nil {
		return 0, fmt.Errorf("NodeGetCPUStats: %w", err)
	}
	used, total, err := cpuCounters(stats)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advance(used, total), nil
}

func (r *HostReader) advance(used, total uint64) float64 {
	if !r.primed || total < r.prevTotal || used < r.prevUsed {
		r.prevUsed, r.prevTotal, r.primed = used, total, true
		return 0
	}
	usedDelta := used - r.prevUsed
	totalDelta := total - r.prevTotal
	r.prevUsed, r.prevTotal = used, total
	if totalDelta == 0 {
		return 0
	}
	return clampPercent(float64(usedDelta) / float64(totalDelta) * 100)
}

// Memory returns used and total host memory in bytes.
func (r *HostReader) Memory(ctx context.Context) (used, total uint64, err error) {
	client, err := r.conn.Client(ctx)
	if err != nil {
		return 0, 0, err
	}
	_, n, err := client.NodeGetMemoryStats(0, -1, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("NodeGetMemoryStats: %w", err)
	}
	stats, _, err := client.NodeGetMemoryStats(n, -1, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("NodeGetMemoryStats: %w", err)
	}
	return memoryUsage(stats)
}

// ActiveDomains counts running guests.
func (r *HostReader) ActiveDomains(ctx context.Context) (int, error) {
	client, err := r.conn.Client(ctx)
	if err != nil {
		return 0, err
	}
	_, count, err := client.ConnectListAllDomains(0, golibvirt.ConnectListDomainsActive)
	if err != nil {
		return 0, fmt.Errorf("ConnectListAllDomains: %w", err)
	}
	return int(count), nil
}

func cpuCounters(stats []golibvirt.NodeGetCPUStats) (used, total uint64, err error) {
	if len(stats) == 0 {
		return 0, 0, fmt.Errorf("empty node cpu stats")
	}
	var idle, iowait uint64
	for _, st := range stats {
		total += st.Value
		switch strings.ToLower(st.Field) {
		case "idle":
			idle = st.Value
		case "iowait":
			iowait = st.Value
		}
	}
	if idle+iowait > total {
		return 0, total, nil
	}
	return total - idle - iowait, total, nil
}

// memoryUsage treats buffers and page cache as free, like `free` does.
func memoryUsage(stats []golibvirt.NodeGetMemoryStats) (used, total uint64, err error) {
	if len(stats) == 0 {
		return 0, 0, fmt.Errorf("empty node memory stats")
	}
	vals := map[string]uint64{}
	for _, st := range stats {
		vals[strings.ToLower(st.Field)] = st.Value
	}
	total = vals["total"] * 1024
	free := (vals["free"] + vals["buffers"] + vals["cached"]) * 1024
	if total == 0 {
		return 0, 0, fmt.Errorf("total memory is zero")
	}
	used = total
	if free <= total {
		used = total - free
	}
	return used, total, nil
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
