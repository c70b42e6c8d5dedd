package sampler

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"cluster-watchdog/internal/model"
)

// maxProcessDepth bounds how far SampleProcess walks down a process tree.
const maxProcessDepth = 4

type GopsutilSampler struct {
	cpu busyTracker
}

func NewGopsutil() *GopsutilSampler {
	return &GopsutilSampler{}
}

func (s *GopsutilSampler) SampleHardware(ctx context.Context) (model.HardwareSample, error) {
	at := nowMs()

	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return model.HardwareSample{}, fmt.Errorf("cpu times: %w", err)
	}
	if len(times) == 0 {
		return model.HardwareSample{}, fmt.Errorf("cpu times: no aggregate")
	}
	total := cpuTotal(times[0])
	idle := times[0].Idle + times[0].Iowait
	cpuPct := s.cpu.update(total-idle, total)

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.HardwareSample{}, fmt.Errorf("virtual memory: %w", err)
	}
	totalGB, usedMB, memPct := memoryFigures(vm.Used, vm.Total)

	drives, err := sampleDrives(ctx)
	if err != nil {
		return model.HardwareSample{}, err
	}

	return model.HardwareSample{
		CapturedAtMs:      at,
		CPUPercent:        cpuPct,
		TotalMemoryGB:     totalGB,
		UsedMemoryMB:      usedMB,
		PercentMemoryUsed: memPct,
		Drives:            drives,
	}, nil
}

func (s *GopsutilSampler) SampleProcess(ctx context.Context, pid int32) (model.ProcessSample, error) {
	return sampleProcess(ctx, pid)
}

func cpuTotal(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
}

// sampleDrives reports every physical partition. Partitions smaller than half
// a gigabyte are skipped because they round to a zero-capacity drive.
func sampleDrives(ctx context.Context) ([]model.DriveSample, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("disk partitions: %w", err)
	}
	seen := map[string]bool{}
	out := make([]model.DriveSample, 0, len(parts))
	for _, p := range parts {
		if seen[p.Mountpoint] {
			continue
		}
		seen[p.Mountpoint] = true
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || usage == nil {
			continue
		}
		if d, ok := driveFromUsage(p.Mountpoint, usage.Total, usage.Free); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func driveFromUsage(name string, total, free uint64) (model.DriveSample, bool) {
	totalGB := roundGB(total)
	if totalGB == 0 {
		return model.DriveSample{}, false
	}
	availGB := roundGB(free)
	if availGB > totalGB {
		availGB = totalGB
	}
	return model.DriveSample{Name: name, TotalCapacityGB: totalGB, AvailableCapacityGB: availGB}, true
}

func sampleProcess(ctx context.Context, pid int32) (model.ProcessSample, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return model.ProcessSample{}, fmt.Errorf("process %d: %w", pid, err)
	}
	return describeProcess(ctx, proc, maxProcessDepth), nil
}

// describeProcess fills what it can. Individual figures that the platform
// refuses to report are left at zero.
func describeProcess(ctx context.Context, proc *process.Process, depth int) model.ProcessSample {
	out := model.ProcessSample{PID: proc.Pid}
	if name, err := proc.NameWithContext(ctx); err == nil {
		out.Name = name
	}
	if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
		out.CPUPercent = pct
	}
	if mi, err := proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		out.MemoryMB = int64(mi.RSS / bytesPerMB)
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		out.ThreadCount = n
	}
	if n, err := proc.NumFDsWithContext(ctx); err == nil {
		out.HandleCount = n
	}
	if depth <= 1 {
		return out
	}
	children, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		return out
	}
	for _, c := range children {
		out.Children = append(out.Children, describeProcess(ctx, c, depth-1))
	}
	return out
}

// FindProcesses returns the PIDs whose executable name matches one of names,
// ignoring case and a trailing ".exe".
func FindProcesses(ctx context.Context, names []string) ([]int32, error) {
	if len(names) == 0 {
		return nil, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[normalizeProcessName(n)] = true
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var pids []int32
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if want[normalizeProcessName(name)] {
			pids = append(pids, p.Pid)
		}
	}
	return pids, nil
}

func normalizeProcessName(n string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(n)), ".exe")
}
