package sampler

import (
	"context"
	"fmt"
	"log/slog"

	"cluster-watchdog/internal/libvirt"
	"cluster-watchdog/internal/model"
)

// LibvirtSampler reads CPU and memory from a KVM host's libvirt daemon and
// reports running guests as scheduling units.
type LibvirtSampler struct {
	conn   *libvirt.ConnManager
	host   *libvirt.HostReader
	logger *slog.Logger
}

func NewLibvirt(conn *libvirt.ConnManager, logger *slog.Logger) *LibvirtSampler {
	return &LibvirtSampler{conn: conn, host: libvirt.NewHostReader(conn), logger: logger}
}

// Conn exposes the connection so the agent can health-check it.
func (s *LibvirtSampler) Conn() *libvirt.ConnManager { return s.conn }

func (s *LibvirtSampler) SampleHardware(ctx context.Context) (model.HardwareSample, error) {
	at := nowMs()
	cpuPct, err := s.host.CPUPercent(ctx)
	if err != nil {
		return model.HardwareSample{}, err
	}
	used, total, err := s.host.Memory(ctx)
	if err != nil {
		return model.HardwareSample{}, err
	}
	drives, err := sampleDrives(ctx)
	if err != nil {
		s.logger.Warn("drive sampling failed, reporting none", "error", err)
		drives = nil
	}
	totalGB, usedMB, memPct := memoryFigures(used, total)
	return model.HardwareSample{
		CapturedAtMs:      at,
		CPUPercent:        cpuPct,
		TotalMemoryGB:     totalGB,
		UsedMemoryMB:      usedMB,
		PercentMemoryUsed: memPct,
		Drives:            drives,
	}, nil
}

func (s *LibvirtSampler) SampleProcess(ctx context.Context, pid int32) (model.ProcessSample, error) {
	return sampleProcess(ctx, pid)
}

func (s *LibvirtSampler) CountUnits(ctx context.Context) (int, error) {
	n, err := s.host.ActiveDomains(ctx)
	if err != nil {
		return 0, fmt.Errorf("count domains: %w", err)
	}
	return n, nil
}

func (s *LibvirtSampler) Close() error { return s.conn.Close() }
