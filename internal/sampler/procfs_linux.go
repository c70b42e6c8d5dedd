//go:build linux

package sampler

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cluster-watchdog/internal/model"
)

// ProcfsSampler reads CPU and memory straight from procfs. Drives and
// processes still go through gopsutil.
type ProcfsSampler struct {
	root string
	cpu  busyTracker
}

func NewProcfs(root string) (*ProcfsSampler, error) {
	if _, err := os.Stat(filepath.Join(root, "stat")); err != nil {
		return nil, fmt.Errorf("procfs at %s: %w", root, err)
	}
	return &ProcfsSampler{root: root}, nil
}

func (s *ProcfsSampler) SampleHardware(ctx context.Context) (model.HardwareSample, error) {
	hw, err := s.readHost()
	if err != nil {
		return model.HardwareSample{}, err
	}
	drives, err := sampleDrives(ctx)
	if err != nil {
		return model.HardwareSample{}, err
	}
	hw.Drives = drives
	return hw, nil
}

func (s *ProcfsSampler) readHost() (model.HardwareSample, error) {
	at := nowMs()
	c, err := readCPUCounters(filepath.Join(s.root, "stat"))
	if err != nil {
		return model.HardwareSample{}, err
	}
	m, err := readMemInfo(filepath.Join(s.root, "meminfo"))
	if err != nil {
		return model.HardwareSample{}, err
	}
	idle := c.Idle + c.IOWait
	busy := c.Total - idle
	if idle > c.Total {
		busy = 0
	}
	totalGB, usedMB, memPct := memoryFigures(m.UsedBytes, m.TotalBytes)
	return model.HardwareSample{
		CapturedAtMs:      at,
		CPUPercent:        s.cpu.update(float64(busy), float64(c.Total)),
		TotalMemoryGB:     totalGB,
		UsedMemoryMB:      usedMB,
		PercentMemoryUsed: memPct,
	}, nil
}

func (s *ProcfsSampler) SampleProcess(ctx context.Context, pid int32) (model.ProcessSample, error) {
	return sampleProcess(ctx, pid)
}

type cpuCounters struct {
	User    uint64
	Nice    uint64
	System  uint64
	Idle    uint64
	IOWait  uint64
	IRQ     uint64
	SoftIRQ uint64
	Steal   uint64
	Total   uint64
}

func readCPUCounters(path string) (cpuCounters, error) {
	f, err := os.Open(path)
	if err != nil {
		return cpuCounters{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 5 {
			return cpuCounters{}, fmt.Errorf("unexpected cpu line: %q", line)
		}
		vals := make([]uint64, 0, len(parts)-1)
		for _, p := range parts[1:] {
			v, convErr := strconv.ParseUint(p, 10, 64)
			if convErr != nil {
				return cpuCounters{}, fmt.Errorf("parse cpu stat %q: %w", p, convErr)
			}
			vals = append(vals, v)
		}
		var c cpuCounters
		fields := []*uint64{&c.User, &c.Nice, &c.System, &c.Idle, &c.IOWait, &c.IRQ, &c.SoftIRQ, &c.Steal}
		for i, dst := range fields {
			if i < len(vals) {
				*dst = vals[i]
			}
		}
		// guest time is already folded into user, so stop at steal
		for i := 0; i < len(vals) && i < len(fields); i++ {
			c.Total += vals[i]
		}
		return c, nil
	}
	if err := sc.Err(); err != nil {
		return cpuCounters{}, fmt.Errorf("scan %s: %w", path, err)
	}
	return cpuCounters{}, fmt.Errorf("cpu aggregate line not found in %s", path)
}

type memInfo struct {
	TotalBytes uint64
	UsedBytes  uint64
}

func readMemInfo(path string) (memInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return memInfo{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	vals := map[string]uint64{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		parts := strings.Fields(sc.Text())
		if len(parts) < 2 {
			continue
		}
		v, convErr := strconv.ParseUint(parts[1], 10, 64)
		if convErr != nil {
			continue
		}
		vals[strings.TrimSuffix(parts[0], ":")] = v * 1024
	}
	if err := sc.Err(); err != nil {
		return memInfo{}, fmt.Errorf("scan %s: %w", path, err)
	}
	total := vals["MemTotal"]
	if total == 0 {
		return memInfo{}, fmt.Errorf("MemTotal missing from %s", path)
	}
	avail, ok := vals["MemAvailable"]
	if !ok {
		// pre-3.14 kernels
		avail = vals["MemFree"] + vals["Buffers"] + vals["Cached"]
	}
	if avail > total {
		avail = total
	}
	return memInfo{TotalBytes: total, UsedBytes: total - avail}, nil
}
